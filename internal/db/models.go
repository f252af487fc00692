package db

import (
	"encoding/json"
	"time"
)

// Unit lifecycle and stage values. Transitions are monotonic except
// failed -> pending on an explicit retry request.
const (
	UnitStatusPending    = "pending"
	UnitStatusInProgress = "in_progress"
	UnitStatusCompleted  = "completed"
	UnitStatusFailed     = "failed"

	StageNormalization = "normalization"
	StageDeduplication = "deduplication"
	StageFinalization  = "finalization"
)

// RawResult maps sift.raw_results. Written by the external execution
// layer; read-only to the pipeline.
type RawResult struct {
	RawResultID   int64           `gorm:"column:raw_result_id;primaryKey;autoIncrement"`
	RawResultUUID string          `gorm:"column:raw_result_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	UnitID        int64           `gorm:"column:unit_id;type:bigint;not null;index"`
	Title         string          `gorm:"column:title;type:text;not null"`
	URL           string          `gorm:"column:url;type:text;not null"`
	Snippet       string          `gorm:"column:snippet;type:text;not null;default:''"`
	SourceEngine  string          `gorm:"column:source_engine;type:text;not null"`
	Position      int             `gorm:"column:position;type:integer;not null;default:0"`
	RawPayload    json.RawMessage `gorm:"column:raw_payload;type:jsonb"`
	CreatedAt     time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (RawResult) TableName() string { return "sift.raw_results" }

// ProcessedResult maps sift.processed_results. Created exactly once per
// raw result; mutated only by the dedup and merge stages.
type ProcessedResult struct {
	ProcessedResultID   int64      `gorm:"column:processed_result_id;primaryKey;autoIncrement"`
	ProcessedResultUUID string     `gorm:"column:processed_result_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	UnitID              int64      `gorm:"column:unit_id;type:bigint;not null;index"`
	RawResultID         int64      `gorm:"column:raw_result_id;type:bigint;not null;unique"`
	NormalizedURL       string     `gorm:"column:normalized_url;type:text;not null"`
	SourceDomain        string     `gorm:"column:source_domain;type:text;not null;default:''"`
	Title               string     `gorm:"column:title;type:text;not null"`
	Snippet             string     `gorm:"column:snippet;type:text;not null;default:''"`
	SourceEngine        string     `gorm:"column:source_engine;type:text;not null"`
	FileType            string     `gorm:"column:file_type;type:text;not null;default:''"`
	Language            string     `gorm:"column:language;type:text;not null;default:'en'"`
	PublicationYear     *int       `gorm:"column:publication_year;type:integer"`
	SourceOrg           string     `gorm:"column:source_org;type:text;not null;default:''"`
	HasFullText         bool       `gorm:"column:has_full_text;type:boolean;not null;default:false"`
	IsAcademic          bool       `gorm:"column:is_academic;type:boolean;not null;default:false"`
	QualityScore        float64    `gorm:"column:quality_score;type:double precision;not null;default:0"`
	DuplicateGroupID    *int64     `gorm:"column:duplicate_group_id;type:bigint;index"`
	IsDuplicate         bool       `gorm:"column:is_duplicate;type:boolean;not null;default:false"`
	ProcessedAt         time.Time  `gorm:"column:processed_at;type:timestamptz;not null;default:now()"`
	UpdatedAt           *time.Time `gorm:"column:updated_at;type:timestamptz"`
}

func (ProcessedResult) TableName() string { return "sift.processed_results" }

// DuplicateGroup maps sift.duplicate_groups. A persisted group always has
// at least two members.
type DuplicateGroup struct {
	DuplicateGroupID   int64           `gorm:"column:duplicate_group_id;primaryKey;autoIncrement"`
	DuplicateGroupUUID string          `gorm:"column:duplicate_group_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	UnitID             int64           `gorm:"column:unit_id;type:bigint;not null;index"`
	CanonicalResultID  int64           `gorm:"column:canonical_result_id;type:bigint;not null"`
	MemberCount        int             `gorm:"column:member_count;type:integer;not null;default:0"`
	Sources            json.RawMessage `gorm:"column:sources;type:jsonb"`
	CreatedAt          time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt          time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (DuplicateGroup) TableName() string { return "sift.duplicate_groups" }

// DuplicateGroupMember maps sift.duplicate_group_members.
type DuplicateGroupMember struct {
	DuplicateGroupID  int64     `gorm:"column:duplicate_group_id;type:bigint;primaryKey"`
	ProcessedResultID int64     `gorm:"column:processed_result_id;type:bigint;primaryKey;unique"`
	MatchType         string    `gorm:"column:match_type;type:text;not null"`
	MatchScore        *float64  `gorm:"column:match_score;type:double precision"`
	MatchedAt         time.Time `gorm:"column:matched_at;type:timestamptz;not null;default:now()"`
}

func (DuplicateGroupMember) TableName() string { return "sift.duplicate_group_members" }

// ProcessingUnit maps sift.processing_units. One row per external search
// session; status rows double as the work queue.
type ProcessingUnit struct {
	UnitID          int64      `gorm:"column:unit_id;primaryKey;autoIncrement"`
	UnitUUID        string     `gorm:"column:unit_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	SessionUUID     string     `gorm:"column:session_uuid;type:uuid;not null;unique"`
	Status          string     `gorm:"column:status;type:text;not null;default:'pending'"`
	Stage           string     `gorm:"column:stage;type:text;not null;default:'normalization'"`
	Progress        int        `gorm:"column:progress;type:integer;not null;default:0"`
	TotalRaw        int        `gorm:"column:total_raw;type:integer;not null;default:0"`
	ProcessedCount  int        `gorm:"column:processed_count;type:integer;not null;default:0"`
	ErrorCount      int        `gorm:"column:error_count;type:integer;not null;default:0"`
	DuplicateCount  int        `gorm:"column:duplicate_count;type:integer;not null;default:0"`
	RunToken        *string    `gorm:"column:run_token;type:uuid"`
	RetryCount      int        `gorm:"column:retry_count;type:integer;not null;default:0"`
	CancelRequested bool       `gorm:"column:cancel_requested;type:boolean;not null;default:false"`
	StartedAt       *time.Time `gorm:"column:started_at;type:timestamptz"`
	HeartbeatAt     *time.Time `gorm:"column:heartbeat_at;type:timestamptz"`
	CompletedAt     *time.Time `gorm:"column:completed_at;type:timestamptz"`
	CreatedAt       time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (ProcessingUnit) TableName() string { return "sift.processing_units" }

// UnitError maps sift.unit_errors, the ordered per-unit error log.
type UnitError struct {
	UnitErrorID int64     `gorm:"column:unit_error_id;primaryKey;autoIncrement"`
	UnitID      int64     `gorm:"column:unit_id;type:bigint;not null;index"`
	OccurredAt  time.Time `gorm:"column:occurred_at;type:timestamptz;not null;default:now()"`
	Message     string    `gorm:"column:message;type:text;not null"`
	Context     string    `gorm:"column:context;type:text;not null;default:''"`
}

func (UnitError) TableName() string { return "sift.unit_errors" }

func autoMigrateModels() []any {
	return []any{
		&RawResult{},
		&ProcessedResult{},
		&DuplicateGroup{},
		&DuplicateGroupMember{},
		&ProcessingUnit{},
		&UnitError{},
	}
}
