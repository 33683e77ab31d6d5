package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/Tutortoise/nest-detection-service/detections"
	"github.com/Tutortoise/nest-detection-service/models"
	"github.com/Tutortoise/nest-detection-service/tensors"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const DefaultMaxUpload = 10 << 20

type AppState struct {
	Pipeline  *detections.Pipeline
	Pool      *ModelSessionPool
	Allocator *tensors.Allocator
	Logger    *zap.SugaredLogger
	MaxUpload int64
	Debug     bool
}

type CoordinateSpace struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type DetectionResponse struct {
	RequestID       string             `json:"request_id"`
	Count           int                `json:"count"`
	Message         string             `json:"message"`
	Detections      []models.Detection `json:"detections"`
	CoordinateSpace CoordinateSpace    `json:"coordinate_space"`
}

type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
}

func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/detect", s.handleDetect).Methods("POST")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) logTimings(t *models.ProcessingTimings) {
	if s.Debug {
		s.Logger.Debugw("processing times",
			"request_id", t.RequestID,
			"image_decode", t.ImageDecode,
			"resize", t.Resize,
			"preprocess", t.Preprocess,
			"inference", t.Inference,
			"postprocess", t.Postprocess,
			"total", t.Total,
		)
	}
}

func (s *AppState) handleDetect(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	requestID := uuid.NewString()
	timings := &models.ProcessingTimings{RequestID: requestID}

	maxUpload := s.MaxUpload
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)

	imgBytes, err := readImageBytes(r, maxUpload)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg := fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit)
			s.sendErrorResponse(w, requestID, "payload_too_large", msg, http.StatusRequestEntityTooLarge, nil)
			return
		}
		s.sendErrorResponse(w, requestID, "invalid_request", err.Error(), http.StatusBadRequest, nil)
		return
	}

	boxes, err := s.Pipeline.Detect(r.Context(), imgBytes, timings)
	if err != nil {
		status, code, message := classifyError(err)
		s.Logger.Warnw("detection failed", "request_id", requestID, "code", code, "error", err)
		s.sendErrorResponse(w, requestID, code, message, status, err)
		return
	}

	timings.Total = time.Since(startTotal)
	s.logTimings(timings)

	s.writeJSON(w, http.StatusOK, DetectionResponse{
		RequestID:       requestID,
		Count:           len(boxes),
		Message:         getDetectionMessage(len(boxes)),
		Detections:      boxes,
		CoordinateSpace: CoordinateSpace{Width: detections.InputWidth, Height: detections.InputHeight},
	})
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.Pipeline.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"ready":        s.Pipeline.Ready(),
		"threshold":    s.Pipeline.Threshold(),
		"cpu_features": detections.CPUFeatures(),
	}
	if s.Pool != nil {
		response["pool"] = s.Pool.GetMetrics()
	}
	if s.Allocator != nil {
		response["tensors"] = s.Allocator.Stats()
	}
	s.writeJSON(w, http.StatusOK, response)
}

// classifyError maps a pipeline failure to an HTTP status, an error code and
// the message shown to the user.
func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "request_cancelled", MsgCancelled
	case errors.Is(err, detections.ErrDecode):
		return http.StatusBadRequest, "invalid_image", MsgInvalidImage
	case errors.Is(err, detections.ErrModelNotInitialized):
		return http.StatusServiceUnavailable, "model_not_ready", MsgModelNotReady
	case errors.Is(err, ErrAcquireTimeout), errors.Is(err, ErrPoolClosed):
		return http.StatusServiceUnavailable, "session_error", MsgBusy
	case errors.Is(err, detections.ErrShape):
		return http.StatusBadGateway, "invalid_model_output", MsgProcessingFailed
	default:
		return http.StatusInternalServerError, "inference_error", MsgProcessingFailed
	}
}

// readImageBytes reads the whole (size limited) body first so an oversized
// upload surfaces as *http.MaxBytesError whatever the content type.
func readImageBytes(r *http.Request, maxUpload int64) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	switch mediaType {
	case "application/json":
		return handleJSONRequest(body)
	case "multipart/form-data":
		r.Body = io.NopCloser(bytes.NewReader(body))
		return handleMultipartRequest(r, maxUpload)
	default:
		return body, nil
	}
}

func handleJSONRequest(body []byte) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	// Browsers hand over data URLs ("data:image/png;base64,....")
	encoded := req.Image
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.Index(encoded, ","); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func handleMultipartRequest(r *http.Request, maxUpload int64) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

// writeJSON encodes before writing the header so an unencodable value turns
// into a 500 instead of a 200 with an empty body.
func (s *AppState) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		s.Logger.Errorw("encode response", "status", status, "error", err)
		body = []byte(`{"code":"encoding_error","message":"` + MsgProcessingFailed + `"}`)
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body = append(body, '\n')
	if _, err := w.Write(body); err != nil {
		s.Logger.Debugw("write response", "error", err)
	}
}

func (s *AppState) sendErrorResponse(w http.ResponseWriter, requestID, code, message string, status int, cause error) {
	resp := ErrorResponse{
		RequestID: requestID,
		Code:      code,
		Message:   message,
	}
	if s.Debug && cause != nil {
		resp.Details = fmt.Sprintf("%v", cause)
	}
	s.writeJSON(w, status, resp)
}
