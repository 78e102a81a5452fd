package gic

import "github.com/c35s/gic/reg"

// MPIDR affinity fields
//
//	Aff0 [ 7: 0]
//	Aff1 [15: 8]
//	Aff2 [23:16]
//	Aff3 [39:32]

// Affinity is the four-level hardware affinity of a core.
type Affinity struct {
	Aff3, Aff2, Aff1, Aff0 uint8
}

// AffinityOf extracts the affinity fields of an MPIDR value.
func AffinityOf(mpidr uint64) Affinity {
	return Affinity{
		Aff3: uint8(reg.Field64(mpidr, 39, 32)),
		Aff2: uint8(reg.Field64(mpidr, 23, 16)),
		Aff1: uint8(reg.Field64(mpidr, 15, 8)),
		Aff0: uint8(reg.Field64(mpidr, 7, 0)),
	}
}

// MPIDR returns the affinity fields at their MPIDR positions.
func (a Affinity) MPIDR() uint64 {
	return uint64(a.Aff3)<<32 | uint64(a.Aff2)<<16 | uint64(a.Aff1)<<8 | uint64(a.Aff0)
}

// AffinityRoute returns the GICD_IROUTER value that routes an SPI to the core
// with the given MPIDR. IROUTER uses the MPIDR field positions with
// Interrupt_Routing_Mode (bit 31) clear.
func AffinityRoute(mpidr uint64) uint64 {
	return AffinityOf(mpidr).MPIDR()
}

// SGI1R is the payload of an ICC_SGI1R_EL1 write.
//
//	TargetList [15: 0]
//	Aff1       [23:16]
//	INTID      [27:24]
//	Aff2       [39:32]
//	IRM        [40]     all cores except self
//	Aff3       [55:48]
type SGI1R struct {
	INTID      uint8
	Aff3       uint8
	Aff2       uint8
	Aff1       uint8
	TargetList uint16
	IRM        bool
}

// SGI1RFor returns the SGI1R that sends sgi to the core with the given
// MPIDR. Only Aff0 values below 16 are addressable.
func SGI1RFor(sgi uint, mpidr uint64) SGI1R {
	a := AffinityOf(mpidr)
	return SGI1R{
		INTID:      uint8(sgi),
		Aff3:       a.Aff3,
		Aff2:       a.Aff2,
		Aff1:       a.Aff1,
		TargetList: 1 << (a.Aff0 & 0xf),
	}
}

func (s SGI1R) Encode() uint64 {
	v := uint64(s.TargetList) |
		uint64(s.Aff1)<<16 |
		uint64(s.INTID&0xf)<<24 |
		uint64(s.Aff2)<<32 |
		uint64(s.Aff3)<<48

	if s.IRM {
		v |= reg.Bit64(40)
	}

	return v
}

func DecodeSGI1R(v uint64) SGI1R {
	return SGI1R{
		TargetList: uint16(reg.Field64(v, 15, 0)),
		Aff1:       uint8(reg.Field64(v, 23, 16)),
		INTID:      uint8(reg.Field64(v, 27, 24)),
		Aff2:       uint8(reg.Field64(v, 39, 32)),
		IRM:        v&reg.Bit64(40) != 0,
		Aff3:       uint8(reg.Field64(v, 55, 48)),
	}
}

// SGIR target list filters
const (
	SGIRFilterList   = 0 // cores named in TargetList
	SGIRFilterOthers = 1 // all cores except self
	SGIRFilterSelf   = 2 // only self
)

// SGIR is the payload of a legacy GICD_SGIR write.
//
//	INTID            [ 3: 0]
//	CPUTargetList    [23:16]  one bit per CPU interface id
//	TargetListFilter [25:24]
type SGIR struct {
	INTID      uint8
	TargetList uint8
	Filter     uint8
}

func (s SGIR) Encode() uint32 {
	return uint32(s.INTID&0xf) | uint32(s.TargetList)<<16 | uint32(s.Filter&0x3)<<24
}

func DecodeSGIR(v uint32) SGIR {
	return SGIR{
		INTID:      uint8(reg.Field(v, 3, 0)),
		TargetList: uint8(reg.Field(v, 23, 16)),
		Filter:     uint8(reg.Field(v, 25, 24)),
	}
}

// targetShift is the bit position of an interrupt's byte in its ITARGETSR word.
func targetShift(id uint) uint { return id % 4 * 8 }

// cfgEdge is the ICFGR bit that selects edge triggering for an interrupt.
func cfgEdge(id uint) uint32 { return reg.Bit(id%16*2 + 1) }
