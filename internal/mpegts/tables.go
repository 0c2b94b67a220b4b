package mpegts

import "sort"

// programTables tracks the PAT, every known PMT and the two indices derived
// from them. Tables are replaced wholesale; derived indices are rebuilt by an
// explicit call after each update.
type programTables struct {
	pat *PATData

	// pmts is keyed by program_number.
	pmts map[uint16]*PMTData

	// pmtPIDs routes a PID to the programs whose PMTs it carries. Several
	// programs may share one PMT PID. Entries are merged from every PAT seen
	// and never evicted.
	pmtPIDs map[uint16]map[uint16]struct{}

	// streams is the flattened elementary PID index over all known PMTs.
	streams map[uint16]ElementaryStreamInfo
}

func newProgramTables() *programTables {
	return &programTables{
		pmts:    make(map[uint16]*PMTData),
		pmtPIDs: make(map[uint16]map[uint16]struct{}),
		streams: make(map[uint16]ElementaryStreamInfo),
	}
}

// updatePAT returns the association table that replaces old.
func updatePAT(_ *PATData, next *PATData) *PATData {
	return next
}

// updatePMT returns a copy of pmts with next replacing its program's entry.
func updatePMT(pmts map[uint16]*PMTData, next *PMTData) map[uint16]*PMTData {
	out := make(map[uint16]*PMTData, len(pmts)+1)
	for k, v := range pmts {
		out[k] = v
	}
	out[next.ProgramNumber] = next
	return out
}

func (t *programTables) applyPAT(pat *PATData) {
	t.pat = updatePAT(t.pat, pat)
	t.rebuildRoutes()
}

func (t *programTables) applyPMT(pmt *PMTData) {
	t.pmts = updatePMT(t.pmts, pmt)
	t.rebuildStreams()
}

// rebuildRoutes merges the current PAT into the PMT PID routing table.
// Programs missing from the PAT keep
// their routes.
func (t *programTables) rebuildRoutes() {
	if t.pat == nil {
		return
	}
	for _, p := range t.pat.Programs {
		programs := t.pmtPIDs[p.ProgramMapID]
		if programs == nil {
			programs = make(map[uint16]struct{})
			t.pmtPIDs[p.ProgramMapID] = programs
		}
		programs[p.ProgramNumber] = struct{}{}
	}
}

// rebuildStreams flattens every known PMT into the elementary PID index.
// Programs are visited in ascending program_number order and the first
// program to claim a PID keeps it.
func (t *programTables) rebuildStreams() {
	numbers := make([]int, 0, len(t.pmts))
	for n := range t.pmts {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)

	streams := make(map[uint16]ElementaryStreamInfo)
	for _, n := range numbers {
		pmt := t.pmts[uint16(n)]
		for _, es := range pmt.ElementaryStreams {
			if es.ElementaryPID == pidPAT {
				continue
			}
			if _, taken := streams[es.ElementaryPID]; taken {
				continue
			}
			streams[es.ElementaryPID] = ElementaryStreamInfo{
				PID:             es.ElementaryPID,
				ProgramNumber:   pmt.ProgramNumber,
				StreamType:      es.StreamType,
				DescriptorBytes: es.DescriptorBytes,
			}
		}
	}
	t.streams = streams
}

func (t *programTables) isPMTPID(pid uint16) bool {
	_, ok := t.pmtPIDs[pid]
	return ok
}

// carriesProgram reports whether a PAT has assigned program's PMT to pid.
func (t *programTables) carriesProgram(pid, program uint16) bool {
	_, ok := t.pmtPIDs[pid][program]
	return ok
}

func (t *programTables) stream(pid uint16) (ElementaryStreamInfo, bool) {
	es, ok := t.streams[pid]
	return es, ok
}
