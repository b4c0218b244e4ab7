package app

// Stage is a step of a harvest run. A run moves through the stages in
// declaration order and ends in StageDone or StageFailed.
type Stage int

const (
	StageStart Stage = iota
	StageCollectReferences
	StageLoadLedger
	StageFilterNew
	StageRecordSeen
	StageFetchNew
	StageEmit
	StageUpload
	StageDone
	StageFailed
)

var stageNames = [...]string{
	StageStart:             "start",
	StageCollectReferences: "collect_references",
	StageLoadLedger:        "load_ledger",
	StageFilterNew:         "filter_new",
	StageRecordSeen:        "record_seen",
	StageFetchNew:          "fetch_new",
	StageEmit:              "emit",
	StageUpload:            "upload",
	StageDone:              "done",
	StageFailed:            "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}
