package peerforwarder

import (
	"github.com/dataprepper/corepipe/internal/event"
	"github.com/dataprepper/corepipe/internal/pipeline"
)

// Processor is the pipeline.Processor adapter that sits in front of a
// pipeline's real processor chain: it partitions each batch with a
// Forwarder, enqueues the remote subsets on the OutboundDispatcher, and
// passes the local subset through to the rest of the chain unchanged, per
// spec §4.3.
type Processor struct {
	forwarder          Forwarder
	dispatcher         *OutboundDispatcher
	identificationKeys []string
}

// NewProcessor builds the peer-forwarding stage of a pipeline's processor
// chain.
func NewProcessor(forwarder Forwarder, dispatcher *OutboundDispatcher, identificationKeys []string) *Processor {
	return &Processor{forwarder: forwarder, dispatcher: dispatcher, identificationKeys: identificationKeys}
}

func (p *Processor) Execute(batch []event.Record) ([]event.Record, error) {
	local, remote := p.forwarder.Forward(p.identificationKeys, batch)
	for peer, records := range remote {
		p.dispatcher.Enqueue(peer, records)
	}
	return local, nil
}

// ThreadAffinity is false: partitioning and dispatch both use only the
// dispatcher's own internal locking, so multiple workers may call Execute
// concurrently.
func (p *Processor) ThreadAffinity() bool { return false }

func (p *Processor) PrepareForShutdown()     {}
func (p *Processor) IsReadyForShutdown() bool { return true }

func (p *Processor) Shutdown() error {
	p.dispatcher.Shutdown()
	return nil
}

var _ pipeline.Processor = (*Processor)(nil)
