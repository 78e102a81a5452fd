package gic

// interrupt id space

const (
	BaseSGI = 0    // software-generated interrupts
	BaseSPI = 32   // shared peripheral interrupts; PPIs are [16, 32)
	BaseRSV = 1020 // special and reserved ids, never configurable

	NumSGI = 16
)

// Group is the IGROUPR word pattern assigned to every interrupt at init.
type Group uint32

const (
	Group0 = Group(0)
	Group1 = Group(0xffffffff)
)

func (g Group) String() string {
	if g&1 != 0 {
		return "group1"
	}

	return "group0"
}
