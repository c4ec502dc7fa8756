package common

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

var (
	HeaderValueContentTypeJSON = []string{ContentTypeJSON}
)

func SendJSONResponse(ctx context.Context, w http.ResponseWriter, data interface{}, headers ...map[string][]string) {
	response, err := json.Marshal(data)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to serialise response", ErrAttr(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	wHeader := w.Header()
	wHeader[HeaderContentType] = HeaderValueContentTypeJSON
	for _, hh := range headers {
		for key, value := range hh {
			wHeader[key] = value
		}
	}

	n, err := w.Write(response)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to send response", ErrAttr(err))
	} else {
		slog.DebugContext(ctx, "Sent response", "serialized", len(response), "sent", n)
	}
}

// IsSubDomainOrDomain reports whether subDomain equals domain or sits under
// it ("api.example.com" under "example.com"). Inputs are expected to be
// normalised already; no case folding happens here.
func IsSubDomainOrDomain(subDomain, domain string) bool {
	if len(subDomain) == 0 || len(domain) == 0 {
		return false
	}

	if len(subDomain) < len(domain) {
		return false
	}

	if strings.HasSuffix(subDomain, domain) {
		if lenDiff := len(subDomain) - len(domain); lenDiff > 0 {
			prefix := subDomain[:lenDiff]
			return strings.HasSuffix(prefix, ".") && lenDiff > 1
		}

		return true
	}

	return false
}

func EnvToBool(value string) bool {
	switch value {
	case "1", "Y", "y", "yes", "true", "YES", "TRUE":
		return true
	default:
		return false
	}
}
