package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vulcan-sh/vulcan/internal/apierr"
)

// WriteJSON writes v as a JSON response with the given status code. Shared
// by the Agent-side handlers in internal/agent/api so the wire shape never
// drifts from what the Manager-side client in this package decodes.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders an *apierr.Error as the shared error envelope.
func WriteError(w http.ResponseWriter, err *apierr.Error) {
	WriteJSON(w, err.Status(), errorEnvelope{
		Kind:         string(err.Kind),
		FaultMessage: err.FaultMessage,
	})
}

// DecodeError reconstructs an *apierr.Error from a non-2xx HTTP response
// body, falling back to Unavailable if the body isn't the expected
// envelope (e.g. the Agent crashed behind a proxy that returned HTML).
func DecodeError(resp *http.Response) *apierr.Error {
	var env errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Kind == "" {
		return apierr.New(apierr.Unavailable, fmt.Sprintf("agent returned status %d", resp.StatusCode), nil)
	}
	return apierr.New(apierr.Kind(env.Kind), env.FaultMessage, nil)
}
