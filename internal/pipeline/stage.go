package pipeline

// Stage is a step of a run. Runs only move forward.
type Stage int

const (
	StageIdle Stage = iota
	StageQuestionsLoaded
	StageSchemasLoaded
	StageDatabasesMaterialized
	StageSchemasRendered
	StageGenerating
	StageWritten
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageQuestionsLoaded:
		return "questions_loaded"
	case StageSchemasLoaded:
		return "schemas_loaded"
	case StageDatabasesMaterialized:
		return "databases_materialized"
	case StageSchemasRendered:
		return "schemas_rendered"
	case StageGenerating:
		return "generating"
	case StageWritten:
		return "written"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}
