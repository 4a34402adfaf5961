package ingest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// HTTPHandler decodes JSON readings and forwards them to sink.
// Params: sink receives resolved readings, max body limits payload size.
// Returns: HTTP handler for ingest endpoint.
type HTTPHandler struct {
	sink        ReadingSink
	decoder     *Decoder
	maxBodySize int64
	logger      *slog.Logger
}

// ingestResponse reports accepted and rejected items of one request.
type ingestResponse struct {
	Accepted int         `json:"accepted"`
	Rejected []Rejection `json:"rejected,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink, decoder, max request body size in bytes, and logger.
// Returns: configured handler.
func NewHTTPHandler(sink ReadingSink, decoder *Decoder, maxBodySize int64, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{sink: sink, decoder: decoder, maxBodySize: maxBodySize, logger: logger}
}

// ServeHTTP handles one incoming reading request.
// Params: HTTP request/response writer pair.
// Returns: 202 when at least one reading was accepted, 400/422 for bad payloads, 503 on sink failure.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeIngestResponse(writer, http.StatusBadRequest, ingestResponse{Error: "read body: " + err.Error()})
		return
	}

	decoded, err := h.decoder.Decode(body, SourceHTTP)
	if err != nil {
		writeIngestResponse(writer, http.StatusBadRequest, ingestResponse{Error: err.Error()})
		return
	}
	if len(decoded.Readings) == 0 {
		writeIngestResponse(writer, http.StatusUnprocessableEntity, ingestResponse{Rejected: decoded.Rejected})
		return
	}

	if err := h.sink.PushReadings(request.Context(), SourceHTTP, decoded.Readings); err != nil {
		h.logger.Error("http ingest push failed", "readings", len(decoded.Readings), "error", err.Error())
		writeIngestResponse(writer, http.StatusServiceUnavailable, ingestResponse{Error: "ingest unavailable"})
		return
	}
	writeIngestResponse(writer, http.StatusAccepted, ingestResponse{Accepted: len(decoded.Readings), Rejected: decoded.Rejected})
}

func writeIngestResponse(writer http.ResponseWriter, status int, body ingestResponse) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}
