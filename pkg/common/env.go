package common

import (
	"log/slog"
	"os"
	"sync"

	"github.com/joho/godotenv"
)

const envPathStdin = "stdin"

// EnvMap reads configuration from a .env file (or stdin) via godotenv,
// falling back to the process environment when no file was given. Update
// re-reads the file in place; the SIGHUP handler in cmd/server calls it.
// Values the server already copied at startup (SESSION_SECRET, the ID
// hasher salt) are not re-applied by a reload. stdin can only be consumed
// once and is never re-read.
type EnvMap struct {
	path string
	mu   sync.Mutex
	vars map[string]string
}

func NewEnvMap(path string) (*EnvMap, error) {
	em := &EnvMap{path: path}

	switch {
	case path == envPathStdin:
		vars, err := godotenv.Parse(os.Stdin)
		if err != nil {
			return nil, err
		}
		em.vars = vars
	case path != "":
		vars, err := godotenv.Read(path)
		if err != nil {
			return nil, err
		}
		em.vars = vars
	}

	return em, nil
}

// Get returns the value for key, logging a warning on a miss so a
// misspelled or forgotten variable is visible at startup.
func (em *EnvMap) Get(key string) string {
	value, ok := em.lookup(key)
	if !ok {
		slog.Warn("Environment variable is not set", "key", key)
	}
	return value
}

func (em *EnvMap) lookup(key string) (string, bool) {
	if len(key) == 0 {
		return "", false
	}

	em.mu.Lock()
	defer em.mu.Unlock()

	if em.vars == nil {
		return os.LookupEnv(key)
	}

	value, ok := em.vars[key]
	return value, ok
}

// Update re-reads the backing .env file.
func (em *EnvMap) Update() error {
	if em.path == "" || em.path == envPathStdin {
		return nil
	}

	vars, err := godotenv.Read(em.path)
	if err != nil {
		return err
	}

	em.mu.Lock()
	em.vars = vars
	em.mu.Unlock()

	return nil
}
