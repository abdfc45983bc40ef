package entity

// Artifact holds what a worker produced for one video. Only the fields the
// job type fills are set; persistence upserts field-wise so artifacts from
// different job types accumulate on the same video row.
type Artifact struct {
	VideoID      string
	CourseID     string
	Duration     *float64
	ThumbnailKey string
	Transcript   string
}
