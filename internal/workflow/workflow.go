// Package workflow owns the review state machine: stage definitions,
// status transitions, the publish decision, and the reputation gates
// applied at assignment time.
package workflow

type Stage string
type Status string

const (
	StageTechnical Stage = "technical"
	StageEditorial Stage = "editorial"
	StageFinal     Stage = "final"
)

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
)

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// stageOrder drives the queue display and the "next stage" derivation.
var stageOrder = []Stage{StageTechnical, StageEditorial, StageFinal}

// minReputation gates who may be assigned a review of each stage.
var minReputation = map[Stage]int{
	StageTechnical: 50,
	StageEditorial: 30,
	StageFinal:     100,
}

func ValidStage(s string) bool {
	switch Stage(s) {
	case StageTechnical, StageEditorial, StageFinal:
		return true
	}
	return false
}

func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusRejected:
		return true
	}
	return false
}

func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Active reports whether a review still holds its (article, stage) slot.
func Active(status Status) bool {
	return status == StatusPending || status == StatusInProgress
}

// CanTransition encodes the per-review state machine:
// pending -> in_progress -> completed, with rejection allowed from
// either live state. Completed and rejected are terminal.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusCompleted || to == StatusRejected
	case StatusInProgress:
		return to == StatusCompleted || to == StatusRejected
	default:
		return false
	}
}

// StageLabel is the one place a stage turns into the ReviewState
// currentStage string. Nothing else formats this label.
func StageLabel(stage Stage) string {
	switch stage {
	case StageTechnical:
		return "technical Review"
	case StageEditorial:
		return "editorial Review"
	case StageFinal:
		return "final Review"
	default:
		return string(stage) + " Review"
	}
}

// MinReputation returns the reputation an assignee needs for a stage.
func MinReputation(stage Stage) int {
	return minReputation[stage]
}

// ReviewSnapshot is the minimal view of a review row the publish
// decision needs.
type ReviewSnapshot struct {
	Stage  Stage
	Status Status
}

// ShouldPublish reports whether an article has cleared review: at least
// one review exists and every review row is completed. A rejected row
// blocks publication until a fresh review of that stage replaces it.
func ShouldPublish(reviews []ReviewSnapshot) bool {
	if len(reviews) == 0 {
		return false
	}
	for _, r := range reviews {
		if r.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// AnyRejected reports whether any review row is currently rejected.
func AnyRejected(reviews []ReviewSnapshot) bool {
	for _, r := range reviews {
		if r.Status == StatusRejected {
			return true
		}
	}
	return false
}

// CurrentStage picks the stage the article is sitting in: the first
// stage (in canonical order) with an active review, else the last
// stage that has any review, else technical.
func CurrentStage(reviews []ReviewSnapshot) Stage {
	byStage := make(map[Stage]Status, len(reviews))
	for _, r := range reviews {
		byStage[r.Stage] = r.Status
	}
	for _, stage := range stageOrder {
		if status, ok := byStage[stage]; ok && Active(status) {
			return stage
		}
	}
	for i := len(stageOrder) - 1; i >= 0; i-- {
		if _, ok := byStage[stageOrder[i]]; ok {
			return stageOrder[i]
		}
	}
	return StageTechnical
}
