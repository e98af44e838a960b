package http

import (
	"github.com/Echoxiawan/KBaseCase/internal/knowledge"
)

// counter is implemented by knowledge bases that know their size.
type counter interface {
	Count() int
}

// knowledgeStatus describes kb for the health endpoint.
//
// Returns nil when no knowledge base is configured. Chunks is -1 for
// remote backends that cannot report a count.
func knowledgeStatus(kb knowledge.Retriever) *KnowledgeStatus {
	if kb == nil {
		return nil
	}
	status := &KnowledgeStatus{Chunks: -1}
	if _, ok := kb.(knowledge.Ingester); ok {
		status.Writable = true
	}
	if c, ok := kb.(counter); ok {
		status.Chunks = c.Count()
	}
	return status
}
