package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (api *API) ListOperations(w http.ResponseWriter, _ *http.Request) {
	operations := api.dispatcher.Operations()
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": operations,
		"total":      len(operations),
	})
}

// DispatchOperation runs the operation named in the path with the JSON body as
// its params and answers with the envelope.
func (api *API) DispatchOperation(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	params := map[string]any{}
	if err := decodeJSON(r, &params); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "body must be a JSON object of operation params")
		return
	}

	envelope := api.dispatcher.Dispatch(r.Context(), name, params)
	writeJSON(w, envelopeStatus(envelope), envelope)
}
