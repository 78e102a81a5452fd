package gic

import "github.com/c35s/gic/reg"

// Perm is a set of mapping permissions.
type Perm uint

const (
	PermR Perm = 1 << iota // readable
	PermW                  // writable
	PermG                  // global (shared by all address spaces)
)

// MemAttr is the memory-attribute class of a mapping.
type MemAttr int

const (
	MemNormal MemAttr = iota
	MemDevice         // device memory: no gathering, reordering, or early ack
)

// Mapper establishes mappings of physical register windows.
type Mapper interface {

	// Map maps size bytes of physical address space starting at phys.
	Map(phys, size uint64, perm Perm, attr MemAttr) (reg.File, error)

	// Unmap releases a window returned by Map.
	Unmap(f reg.File) error

	// Reserve revokes any further mapping of [phys, phys+size) by other
	// subsystems. Existing windows stay valid.
	Reserve(phys, size uint64) error
}

// Topology describes the cores of the system.
type Topology interface {

	// NumCPU returns the number of logical CPUs.
	NumCPU() int

	// MPIDR returns the hardware affinity identifier of a logical CPU.
	MPIDR(cpu int) uint64
}

// Core is the executing core, as seen by code running on it.
type Core interface {
	ID() int
	IsBoot() bool

	// HasGICSysRegs reports whether the core implements the GIC system
	// register interface.
	HasGICSysRegs() bool

	// SysRegs returns the core's system registers.
	SysRegs() reg.SysFile

	// ISB is an instruction synchronization barrier.
	ISB()
}

// Barrier issues memory barriers that span all cores.
type Barrier interface {

	// FSB is a full-system data synchronization barrier.
	FSB()
}
