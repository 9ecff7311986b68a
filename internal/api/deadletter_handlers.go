package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
	deadLetterTimeout      = 3 * time.Second
)

// DeadLetterReader lists stored dead letters, newest first.
type DeadLetterReader interface {
	ListDeadLetters(ctx context.Context, reason pipeline.Kind, limit, offset int) ([]pipeline.DeadLetter, error)
}

type deadLetterHandler struct {
	reader  DeadLetterReader
	timeout time.Duration
	logger  *zap.Logger
}

func newDeadLetterHandler(reader DeadLetterReader, logger *zap.Logger) *deadLetterHandler {
	return &deadLetterHandler{reader: reader, timeout: deadLetterTimeout, logger: logger}
}

// list handles GET /v1/dead-letters?reason=&limit=&offset=. It returns
// {"dead_letters": [...]}, 400 for invalid filters, 503 when the configured
// sink cannot be read back, or 500 if the query fails.
func (h *deadLetterHandler) list(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "dead-letter sink is not readable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultDeadLetterLimit, maxDeadLetterLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reason, err := parseReason(r.URL.Query().Get("reason"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	letters, err := h.reader.ListDeadLetters(ctx, reason, limit, offset)
	if err != nil {
		h.logger.Error("list dead letters failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if letters == nil {
		letters = []pipeline.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseReason(input string) (pipeline.Kind, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil
	}
	for _, k := range []pipeline.Kind{
		pipeline.KindTransientFetch,
		pipeline.KindPermanentFetch,
		pipeline.KindRenderTimeout,
		pipeline.KindValidation,
		pipeline.KindStorageUnavailable,
		pipeline.KindConstraintViolation,
	} {
		if strings.EqualFold(input, string(k)) {
			return k, nil
		}
	}
	return "", errors.New("invalid reason")
}
