package listener

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// pauseSource identifies why a partition is paused, so the reconciler can
// compose multiple independent reasons without one source's resume
// accidentally clearing another's pause.
type pauseSource int

const (
	pauseSourceUser pauseSource = iota
	pauseSourceBackpressure
	pauseSourceNackSleep
	pauseSourceRetainedRecords
)

// pauseController reconciles the container's various reasons to pause a
// partition's fetches into the single map kgo.Client.PauseFetchPartitions
// expects, and publishes Paused/Resumed events only when a partition's
// effective pause state actually changes.
type pauseController struct {
	mu     sync.Mutex
	byTP   map[TopicPartition]map[pauseSource]struct{}
	paused map[TopicPartition]struct{}
}

func newPauseController() *pauseController {
	return &pauseController{
		byTP:   make(map[TopicPartition]map[pauseSource]struct{}),
		paused: make(map[TopicPartition]struct{}),
	}
}

// Pause adds source as a reason tp is paused.
func (p *pauseController) Pause(tp TopicPartition, source pauseSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byTP[tp] == nil {
		p.byTP[tp] = make(map[pauseSource]struct{})
	}
	p.byTP[tp][source] = struct{}{}
}

// Resume removes source as a reason tp is paused. The partition stays
// paused if any other source still applies.
func (p *pauseController) Resume(tp TopicPartition, source pauseSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sources := p.byTP[tp]; sources != nil {
		delete(sources, source)
		if len(sources) == 0 {
			delete(p.byTP, tp)
		}
	}
}

// ResumeAll clears every pause source for tp.
func (p *pauseController) ResumeAll(tp TopicPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byTP, tp)
}

// Reconcile diffs the desired pause set against what was applied last
// time, applies the delta to client, and returns the partitions that
// newly became paused or resumed so the caller can publish events.
func (p *pauseController) Reconcile(client *kgo.Client, topic string) (newlyPaused, newlyResumed []TopicPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()

	desired := make(map[TopicPartition]struct{}, len(p.byTP))
	for tp, sources := range p.byTP {
		if len(sources) > 0 {
			desired[tp] = struct{}{}
		}
	}

	var toPause, toResume []int32
	for tp := range desired {
		if _, already := p.paused[tp]; !already {
			toPause = append(toPause, tp.Partition)
			newlyPaused = append(newlyPaused, tp)
		}
	}
	for tp := range p.paused {
		if _, stillWanted := desired[tp]; !stillWanted {
			toResume = append(toResume, tp.Partition)
			newlyResumed = append(newlyResumed, tp)
		}
	}

	if len(toPause) > 0 {
		client.PauseFetchPartitions(map[string][]int32{topic: toPause})
	}
	if len(toResume) > 0 {
		client.ResumeFetchPartitions(map[string][]int32{topic: toResume})
	}

	p.paused = desired
	return newlyPaused, newlyResumed
}

// IsPaused reports whether tp is currently paused for any reason.
func (p *pauseController) IsPaused(tp TopicPartition) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.paused[tp]
	return ok
}

// IsPauseRequested reports whether any source currently wants tp paused,
// even if Reconcile hasn't applied that yet. Reconcile only runs once per
// loop iteration, so PauseImmediate dispatch uses this to observe a pause
// requested mid-batch instead of waiting for the next iteration.
func (p *pauseController) IsPauseRequested(tp TopicPartition) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byTP[tp]) > 0
}

// Count returns the number of partitions currently paused.
func (p *pauseController) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.paused)
}
