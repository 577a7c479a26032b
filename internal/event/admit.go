package event

// Outcome is the tri-state result of admitting a record.
type Outcome int

const (
	Accepted Outcome = iota
	Invalid
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Invalid:
		return "invalid"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Admitter is the single path into the queue. Every call bumps exactly one
// of: queue depth, invalid counter, drop counter.
type Admitter struct {
	queue    *Queue
	validate bool
	invalid  uint64
	dropped  uint64
	onAccept []func(raw []byte)
}

// NewAdmitter wraps q. When validate is false records skip structural checks.
func NewAdmitter(q *Queue, validate bool) *Admitter {
	return &Admitter{queue: q, validate: validate}
}

// OnAccept registers fn to observe every accepted record.
func (a *Admitter) OnAccept(fn func(raw []byte)) {
	a.onAccept = append(a.onAccept, fn)
}

// Enqueue validates raw and pushes it, tail-dropping when the queue is full.
func (a *Admitter) Enqueue(raw []byte) Outcome {
	if a.validate {
		if err := Validate(raw); err != nil {
			a.invalid++
			return Invalid
		}
	}
	if !a.queue.Push(raw) {
		a.dropped++
		return Dropped
	}
	for _, fn := range a.onAccept {
		fn(raw)
	}
	return Accepted
}

func (a *Admitter) Invalid() uint64 { return a.invalid }
func (a *Admitter) Dropped() uint64 { return a.dropped }
func (a *Admitter) Queue() *Queue   { return a.queue }

// Pipeline couples a Builder with an Admitter.
type Pipeline struct {
	Builder  *Builder
	Admitter *Admitter
}

// Emit builds and admits a record. A build failure counts as Invalid.
func (p *Pipeline) Emit(typ Type, data any, extra ...Field) Outcome {
	raw, err := p.Builder.Build(typ, data, extra...)
	if err != nil {
		p.Admitter.invalid++
		return Invalid
	}
	return p.Admitter.Enqueue(raw)
}
