// Package agents implements the four conversational behaviors the router can
// select: companion, investigator, sentry, and firefighter.
//
// Handlers are registered in a registry keyed by agent mode. Each handler
// receives the turn request with the assembled context block, talks to the
// model, and returns the reply plus the tool-execution acknowledgment for the
// turn. Handlers may mutate the chat state they are given; persistence is the
// engine's job.
package agents

import (
	"context"
	"fmt"
	"sync"

	"github.com/solyn-app/solyn/internal/contextloader"
	"github.com/solyn-app/solyn/internal/deferred"
	"github.com/solyn-app/solyn/internal/models"
)

// Request is one turn handed to a handler.
type Request struct {
	State   *models.ChatState
	Message string
	History []models.TurnMessage
	Context *contextloader.Context
	Bundle  models.SignalBundle
	// DeferAck, when set, tells the handler to acknowledge in passing the
	// topic that was just set aside for later. Nil when nothing was
	// deferred this turn or the topic has been raised often enough that
	// the acknowledgment went silent.
	DeferAck *deferred.AckNote
}

// Response is a handler's answer for one turn.
type Response struct {
	Text string
	Ack  models.ToolAck
}

// Handler answers turns for one agent mode.
type Handler interface {
	// Mode returns the agent mode this handler serves.
	Mode() models.AgentMode
	// Handle answers one turn. Errors bubble to the engine, which degrades
	// to a fixed outage reply.
	Handle(ctx context.Context, req *Request) (*Response, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[models.AgentMode]Handler)
)

// Register adds a handler to the registry, replacing any previous handler for
// the same mode.
func Register(h Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[h.Mode()] = h
}

// Get retrieves the handler for a mode.
func Get(mode models.AgentMode) (Handler, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := registry[mode]
	if !ok {
		return nil, fmt.Errorf("no handler registered for mode %s", mode)
	}
	return h, nil
}

// Reset clears the registry. Test helper.
func Reset() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[models.AgentMode]Handler)
}
