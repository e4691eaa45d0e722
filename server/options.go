package server

import (
	"time"

	"httpcore/parse"
)

const (
	defaultReadBufferSize = 8 << 10
	defaultPipelineDepth  = 32
	defaultMaxHeaderBytes = 16 << 10
	defaultMaxURIBytes    = 8 << 10
)

type Options struct {
	// Limits bounds the request head. Zero fields fall back to defaults.
	Limits parse.Limits

	Pipeline PipelineOptions

	// IdleTimeout closes a connection that stays idle between requests.
	// Zero disables the timeout.
	IdleTimeout time.Duration

	// ReadBufferSize is the size of the per-connection read buffer.
	ReadBufferSize int
}

type PipelineOptions struct {
	// Depth is how many parsed requests may wait for dispatch. The reader
	// stops parsing ahead once the queue is full.
	Depth uint
}

func (o Options) withDefaults() Options {
	if o.Limits.MaxHeaderBytes == 0 {
		o.Limits.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	if o.Limits.MaxURIBytes == 0 {
		o.Limits.MaxURIBytes = defaultMaxURIBytes
	}
	if o.Pipeline.Depth == 0 {
		o.Pipeline.Depth = defaultPipelineDepth
	}
	if o.ReadBufferSize == 0 {
		o.ReadBufferSize = defaultReadBufferSize
	}
	return o
}
