// Package channel implements the per-channel wire protocols. An adapter
// decodes the opaque target, builds the outbound HTTP request and decides
// whether the channel accepted the message.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/shohag/unipush/internal/models"
)

var (
	// ErrInvalidTarget marks a target that is missing a required field or is
	// malformed. No outbound call is made for such a task.
	ErrInvalidTarget  = errors.New("invalid target")
	ErrUnknownChannel = errors.New("unknown channel")
)

const userAgent = "UniPush/1.0"

type Adapter interface {
	Code() string
	// ParseTarget decodes the raw target into the adapter's own target type.
	ParseTarget(raw json.RawMessage) (any, error)
	BuildRequest(ctx context.Context, task *models.DeliveryTask, target any) (*http.Request, error)
	// InterpretResponse is called for 2xx responses only and inspects the
	// channel's own success envelope.
	InterpretResponse(body []byte) error
}

type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// DefaultRegistry wires the built-in webhook, dingtalk and bark adapters.
func DefaultRegistry(barkBaseURL string) *Registry {
	return NewRegistry(
		NewWebhook(time.Now),
		NewDingTalk(time.Now),
		NewBark(barkBaseURL),
	)
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Code()] = a
}

func (r *Registry) Get(code string) (Adapter, error) {
	a, ok := r.adapters[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, code)
	}
	return a, nil
}

func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.adapters))
	for code := range r.adapters {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func invalidTarget(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTarget, fmt.Sprintf(format, args...))
}

func decodeTarget(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return invalidTarget("target is empty")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidTarget("%v", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
