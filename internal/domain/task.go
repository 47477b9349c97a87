package domain

// TaskStatus captures the lifecycle state of a queued generation task.
type TaskStatus string

// Task status values.
const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from→to is a legal move in the status DAG:
// queued → {processing, cancelled}; processing → {completed, failed, cancelled}.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskQueued:
		return to == TaskProcessing || to == TaskCancelled
	case TaskProcessing:
		return to == TaskCompleted || to == TaskFailed || to == TaskCancelled
	}
	return false
}

// JobKind tags the task payload variant.
type JobKind string

// Job kinds.
const (
	KindEditImage     JobKind = "edit_image"
	KindGenerateImage JobKind = "generate_image"
	KindAnimatePhoto  JobKind = "animate_photo"
	KindGenerateVideo JobKind = "generate_video"
)

// VideoClass reports whether the kind produces video; video jobs get a
// doubled backend timeout.
func (k JobKind) VideoClass() bool {
	return k == KindAnimatePhoto || k == KindGenerateVideo
}

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	switch k {
	case KindEditImage, KindGenerateImage, KindAnimatePhoto, KindGenerateVideo:
		return true
	}
	return false
}

// EditImageSpec edits one or more source images with a prompt.
type EditImageSpec struct {
	Prompt      string   `json:"prompt"`
	ImagesHex   []string `json:"images_hex,omitempty"`
	FileIDs     []string `json:"file_ids,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
}

// GenerateImageSpec synthesizes an image from a prompt.
type GenerateImageSpec struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// AnimatePhotoSpec animates a single portrait photo.
type AnimatePhotoSpec struct {
	PhotoHex        string `json:"photo_hex,omitempty"`
	FileID          string `json:"file_id,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
}

// GenerateVideoSpec drives image→video generation.
type GenerateVideoSpec struct {
	PhotoHex        string `json:"photo_hex,omitempty"`
	FileID          string `json:"file_id,omitempty"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
}

// TaskRecord is the serialized per-job blob stored under task:{request_id}.
// Exactly one spec pointer matching Kind is set.
type TaskRecord struct {
	TelegramID int64      `json:"telegram_id"`
	UserID     int64      `json:"user_id"`
	RequestID  string     `json:"request_id"`
	Kind       JobKind    `json:"kind"`
	Tariff     string     `json:"tariff,omitempty"`
	Cost       int64      `json:"cost"`
	IsAdmin    bool       `json:"is_admin,omitempty"`
	ChatID     int64      `json:"chat_id"`
	Status     TaskStatus `json:"status"`
	// StartedAt is the unix time the worker began processing; zero before.
	StartedAt int64 `json:"started_at,omitempty"`

	Edit     *EditImageSpec     `json:"edit,omitempty"`
	Generate *GenerateImageSpec `json:"generate,omitempty"`
	Animate  *AnimatePhotoSpec  `json:"animate,omitempty"`
	Video    *GenerateVideoSpec `json:"video,omitempty"`
}

// Prompt returns the user prompt of the active variant, if any.
func (t TaskRecord) Prompt() string {
	switch {
	case t.Edit != nil:
		return t.Edit.Prompt
	case t.Generate != nil:
		return t.Generate.Prompt
	case t.Video != nil:
		return t.Video.Prompt
	}
	return ""
}

// JobRequest is what the front-end hands to admission.
type JobRequest struct {
	TelegramID int64
	UserID     int64
	RequestID  string
	Kind       JobKind
	Tariff     string
	Cost       int64
	IsAdmin    bool
	ChatID     int64

	Edit     *EditImageSpec
	Generate *GenerateImageSpec
	Animate  *AnimatePhotoSpec
	Video    *GenerateVideoSpec
}

// Record builds the queued task record for this request.
func (r JobRequest) Record() TaskRecord {
	return TaskRecord{
		TelegramID: r.TelegramID,
		UserID:     r.UserID,
		RequestID:  r.RequestID,
		Kind:       r.Kind,
		Tariff:     r.Tariff,
		Cost:       r.Cost,
		IsAdmin:    r.IsAdmin,
		ChatID:     r.ChatID,
		Status:     TaskQueued,
		Edit:       r.Edit,
		Generate:   r.Generate,
		Animate:    r.Animate,
		Video:      r.Video,
	}
}

// LastJob is the 24h "do it again" cache entry.
type LastJob struct {
	Kind        JobKind  `json:"kind"`
	Tariff      string   `json:"tariff,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	FileIDs     []string `json:"file_ids,omitempty"`
}

// AdmissionOutcome reports a successful admission. Position is the number of
// tasks that were already waiting when the job was enqueued.
type AdmissionOutcome struct {
	Position int
}
