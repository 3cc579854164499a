package resource

// Copy is a buffer-to-buffer copy region.
type Copy struct {
	Src, Dst             *Buffer
	SrcOffset, DstOffset uint64
	Size                 uint64
}

// Command is one entry of a Pass: either a group of barriers or a copy.
type Command struct {
	Barriers []Barrier
	Copy     *Copy
}

// Pass is an ordered list of barriers and copies that is recorded into a
// single command buffer and submitted on the shared queue.
type Pass struct {
	Label    string
	Commands []Command
}

// NewPass returns an empty pass.
func NewPass(label string) *Pass {
	return &Pass{Label: label}
}

// Barrier appends a barrier group. Empty groups are dropped.
func (p *Pass) Barrier(barriers ...Barrier) *Pass {
	if len(barriers) > 0 {
		p.Commands = append(p.Commands, Command{Barriers: barriers})
	}
	return p
}

// CopyBuffer appends a buffer copy.
func (p *Pass) CopyBuffer(c Copy) *Pass {
	p.Commands = append(p.Commands, Command{Copy: &c})
	return p
}

// Empty reports whether the pass records nothing.
func (p *Pass) Empty() bool { return p == nil || len(p.Commands) == 0 }

// Barriers returns every barrier of the pass in record order.
func (p *Pass) Barriers() []Barrier {
	var out []Barrier
	for _, c := range p.Commands {
		out = append(out, c.Barriers...)
	}
	return out
}

// Copies returns every copy of the pass in record order.
func (p *Pass) Copies() []Copy {
	var out []Copy
	for _, c := range p.Commands {
		if c.Copy != nil {
			out = append(out, *c.Copy)
		}
	}
	return out
}
