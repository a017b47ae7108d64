// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

// CompletionPump hands finished io work back to the render thread.
// PhaseA touches no device state and may run on any goroutine, PhaseB
// must run on the render thread.
type CompletionPump struct {
	s *Streamer
}

// PhaseA delivers queued read callbacks and aborts reads of aborted
// requests that did not start yet. Returns the number of reads aborted.
func (p *CompletionPump) PhaseA() int {
	p.s.dispatch()
	n := 0
	for _, req := range p.s.takeAborts() {
		n += req.abortReads()
	}
	return n
}

// PhaseB commits finished requests and closes the frame.
func (p *CompletionPump) PhaseB() {
	p.s.commitAll()
	p.s.pool.EndFrame()
	p.s.frame++
}

// Frame runs both phases.
func (p *CompletionPump) Frame() {
	p.PhaseA()
	p.PhaseB()
}
