package usagestats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestRecordAnalysisUpsertsAndIncrements(t *testing.T) {
	r := setupRecorder(t)
	ctx := context.Background()
	day := time.Date(2025, 6, 1, 15, 30, 0, 0, time.UTC)

	if err := r.RecordAnalysis(ctx, "anthropic", 1200, day); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := r.RecordAnalysis(ctx, "anthropic", 800, day); err != nil {
		t.Fatalf("second record: %v", err)
	}
	if err := r.RecordAnalysis(ctx, "openai", 500, day); err != nil {
		t.Fatalf("other provider: %v", err)
	}

	rows, err := r.ForDay(ctx, day)
	if err != nil {
		t.Fatalf("for day: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 provider rows, got %d", len(rows))
	}

	anthropic := rows[0]
	if anthropic.Provider != "anthropic" {
		t.Fatalf("expected anthropic first, got %q", anthropic.Provider)
	}
	if anthropic.Analyses != 2 || anthropic.Tokens != 2000 {
		t.Fatalf("expected 2 analyses / 2000 tokens, got %d/%d", anthropic.Analyses, anthropic.Tokens)
	}
}

func TestRecordAnalysisSeparatesDays(t *testing.T) {
	r := setupRecorder(t)
	ctx := context.Background()

	monday := time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC)
	tuesday := time.Date(2025, 6, 3, 1, 0, 0, 0, time.UTC)
	if err := r.RecordAnalysis(ctx, "anthropic", 100, monday); err != nil {
		t.Fatalf("monday: %v", err)
	}
	if err := r.RecordAnalysis(ctx, "anthropic", 100, tuesday); err != nil {
		t.Fatalf("tuesday: %v", err)
	}

	rows, err := r.ForDay(ctx, monday)
	if err != nil {
		t.Fatalf("for day: %v", err)
	}
	if len(rows) != 1 || rows[0].Analyses != 1 {
		t.Fatalf("expected one analysis on monday, got %+v", rows)
	}
}

var statsTestSeq int

func setupRecorder(t *testing.T) *Recorder {
	t.Helper()
	statsTestSeq++
	dsn := fmt.Sprintf("file:stats_test_%d?mode=memory&cache=shared", statsTestSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Exec(
		`CREATE TABLE IF NOT EXISTS daily_usage (
			id INTEGER PRIMARY KEY,
			day TEXT NOT NULL,
			provider TEXT NOT NULL,
			analyses BIGINT NOT NULL,
			tokens BIGINT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (day, provider)
		)`,
	).Error; err != nil {
		t.Fatalf("create table: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	return &Recorder{db: db, log: zap.NewNop(), genID: node}
}
