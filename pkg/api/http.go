package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"regexp"

	"throttled-queue/pkg/logging"
	"throttled-queue/pkg/queue"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

var producePath = regexp.MustCompile(`^/produce/?$`)

// InstanceLister lists the heartbeat records of running instances.
type InstanceLister interface {
	List(ctx context.Context) ([]map[string]string, error)
}

type Server struct {
	Producer    *queue.Producer
	Instances   InstanceLister
	MaxQuantity int
}

// Handler mounts the produce endpoint, metrics and the instance listing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/instances", s.ListInstancesHandler)
	mux.HandleFunc("/", s.ProduceHandler)
	return mux
}

// POST /produce {"quantity"?: number} -> 204
func (s *Server) ProduceHandler(w http.ResponseWriter, r *http.Request) {
	if !producePath.MatchString(r.URL.Path) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	quantity, err := s.parseQuantity(raw)
	if err != nil {
		logging.L().Info("produce rejected", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := s.Producer.Produce(r.Context(), quantity); err != nil {
		logging.L().Error("produce failed", zap.Error(err), zap.Int("quantity", quantity))
		http.Error(w, "unable to enqueue", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseQuantity accepts an empty body or a JSON object with an optional
// numeric quantity. A fractional quantity q produces ceil(q) items.
func (s *Server) parseQuantity(raw []byte) (int, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return queue.DefaultQuantity(), nil
	}
	var body struct {
		Quantity json.RawMessage `json:"quantity"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0, fmt.Errorf("invalid body: %w", err)
	}
	if len(body.Quantity) == 0 {
		return queue.DefaultQuantity(), nil
	}
	var q float64
	if err := json.Unmarshal(body.Quantity, &q); err != nil {
		return 0, fmt.Errorf("quantity must be a number")
	}
	if math.IsNaN(q) || math.IsInf(q, 0) || q < 1 {
		return 0, fmt.Errorf("quantity must be a finite number >= 1")
	}
	if s.MaxQuantity > 0 && q > float64(s.MaxQuantity) {
		return 0, fmt.Errorf("quantity must not exceed %d", s.MaxQuantity)
	}
	return int(math.Ceil(q)), nil
}

// GET /instances -> heartbeat records of running producers and consumers
func (s *Server) ListInstancesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Instances == nil {
		http.Error(w, "instance registry disabled", http.StatusNotImplemented)
		return
	}
	instances, err := s.Instances.List(r.Context())
	if err != nil {
		logging.L().Error("list instances failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	logging.L().Info("list instances", zap.Int("count", len(instances)))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(instances)
}
