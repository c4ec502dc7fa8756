package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// dataEnvelope is the transport obfuscation wrapper used on /challenge: the
// real JSON body travels base64-encoded inside a single "data" field. This
// is not a security mechanism, only an easy way to keep naive network
// inspection from showing the challenge payload in cleartext.
type dataEnvelope struct {
	Data string `json:"data"`
}

// readEnvelope reads an obfuscated request body, base64-decodes the "data"
// field, and unmarshals the inner JSON into v. The body size is already
// bounded by the http.MaxBytesHandler wrapping the route.
func readEnvelope(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}

	var env dataEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	if env.Data == "" {
		return errors.New("missing data field")
	}

	inner, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return err
	}

	return json.Unmarshal(inner, v)
}

// writeEnvelope base64-wraps v's JSON encoding as {"data": "..."} and writes
// it as the response body.
func writeEnvelope(w http.ResponseWriter, v interface{}) error {
	inner, err := json.Marshal(v)
	if err != nil {
		return err
	}

	env := dataEnvelope{Data: base64.StdEncoding.EncodeToString(inner)}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(envJSON)
	return err
}
