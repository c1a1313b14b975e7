package mycontext

// CtxTraceContext is a context key for the trace context (used by mylog)
type CtxTraceContext struct{}
