package chatmodel

import (
	"context"
	"sync"

	"github.com/effective-security/x/values"
	"github.com/google/uuid"
)

// CallerContext carries the identity a turn is executed and metered under:
// the conversation, the caller (or the network origin for anonymous callers)
// and the caller's tier.
type CallerContext interface {
	GetConversationID() string
	GetCallerID() string
	GetTier() Tier
	// GetRemoteAddr returns the network origin, used as the metering key
	// for anonymous callers.
	GetRemoteAddr() string
	// GetMetadata retrieves metadata by key
	GetMetadata(key string) (value any, ok bool)
	// SetMetadata sets metadata by key
	SetMetadata(key string, value any)
}

type callerContext struct {
	conversationID string
	callerID       string
	tier           Tier
	remoteAddr     string
	metadata       sync.Map
}

func (c *callerContext) GetConversationID() string {
	return c.conversationID
}

func (c *callerContext) GetCallerID() string {
	return c.callerID
}

func (c *callerContext) GetTier() Tier {
	return c.tier
}

func (c *callerContext) GetRemoteAddr() string {
	return c.remoteAddr
}

func (c *callerContext) GetMetadata(key string) (value any, ok bool) {
	return c.metadata.Load(key)
}

func (c *callerContext) SetMetadata(key string, value any) {
	c.metadata.Store(key, value)
}

// NewCallerContext returns a CallerContext for an authenticated caller.
// An empty conversationID is replaced with a freshly generated one.
func NewCallerContext(conversationID, callerID string, tier Tier) CallerContext {
	return &callerContext{
		conversationID: values.StringsCoalesce(conversationID, NewConversationID()),
		callerID:       callerID,
		tier:           tier,
	}
}

// NewAnonymousContext returns a CallerContext metered by network origin.
func NewAnonymousContext(conversationID, remoteAddr string) CallerContext {
	return &callerContext{
		conversationID: values.StringsCoalesce(conversationID, NewConversationID()),
		callerID:       "anon:" + remoteAddr,
		tier:           TierAnonymous,
		remoteAddr:     remoteAddr,
	}
}

type contextKey int

const (
	keyContext contextKey = iota
)

// WithCallerContext returns a new context with CallerContext value
func WithCallerContext(ctx context.Context, caller CallerContext) context.Context {
	return context.WithValue(ctx, keyContext, caller)
}

// GetCallerContext retrieves the CallerContext from the context
func GetCallerContext(ctx context.Context) CallerContext {
	if v, ok := ctx.Value(keyContext).(CallerContext); ok {
		return v
	}
	return nil
}

// GetConversationID retrieves the conversation ID from the provided context.
// If the context does not contain a CallerContext, it returns an empty string.
func GetConversationID(ctx context.Context) string {
	if v, ok := ctx.Value(keyContext).(CallerContext); ok {
		return v.GetConversationID()
	}
	return ""
}

// NewConversationID generates a new conversation ID.
func NewConversationID() string {
	return uuid.NewString()
}

// IsValidConversationID reports whether the value is a well-formed
// conversation ID.
func IsValidConversationID(id string) bool {
	return uuid.Validate(id) == nil
}

// NewCallID generates an ID for a model-issued tool call that arrived
// without one.
func NewCallID() string {
	return "call_" + uuid.NewString()
}

// NewRecordID generates an ID for a tool execution record.
func NewRecordID() string {
	return uuid.NewString()
}
