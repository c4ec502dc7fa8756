package common

type ConfigKey int

const (
	StageKey ConfigKey = iota
	VerboseKey
	ListenAddrKey
	SessionSecretKey
	DatabaseURLKey
	SessionTTLSecondsKey
	ServerKeyRotationSecondsKey
	IDHasherSaltKey
	// Add new fields _above_
	COMMON_CONFIG_KEYS_COUNT
)
