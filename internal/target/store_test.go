package target

import (
	"testing"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/entity"
)

var offices = entity.Mapping{
	Name:             "offices",
	SourceTable:      "tbl_office",
	DestinationTable: "offices",
	IDField:          "OfficeID",
	TimestampField:   "UpdatedAt",
}

func TestLegacyColumn(t *testing.T) {
	if got := LegacyColumn(offices); got != "legacy_officeid" {
		t.Errorf("LegacyColumn = %q, want legacy_officeid", got)
	}
}

func TestDestinationRow(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := entity.Record{
		ID:        "42",
		Timestamp: ts,
		Fields: map[string]any{
			"OfficeID":    int64(42),
			"Office Name": "Head Office",
			"UpdatedAt":   ts,
		},
	}

	cols, vals := DestinationRow(offices, rec)

	wantCols := []string{"legacy_officeid", "office_name", "updatedat"}
	if len(cols) != len(wantCols) {
		t.Fatalf("cols = %v, want %v", cols, wantCols)
	}
	for i := range wantCols {
		if cols[i] != wantCols[i] {
			t.Errorf("cols[%d] = %q, want %q", i, cols[i], wantCols[i])
		}
	}
	if vals[0] != "42" || vals[1] != "Head Office" || vals[2] != ts {
		t.Errorf("vals = %v", vals)
	}
}

func TestBuildUpsertQuery(t *testing.T) {
	got := buildUpsertQuery("public", offices, []string{"legacy_officeid", "name", "content_hash"})
	want := `INSERT INTO "public"."offices" ("legacy_officeid", "name", "content_hash") VALUES ($1, $2, $3) ON CONFLICT ("legacy_officeid") DO UPDATE SET "name" = EXCLUDED."name", "content_hash" = EXCLUDED."content_hash"`
	if got != want {
		t.Errorf("query =\n%s\nwant\n%s", got, want)
	}

	only := buildUpsertQuery("public", offices, []string{"legacy_officeid"})
	if only != `INSERT INTO "public"."offices" ("legacy_officeid") VALUES ($1) ON CONFLICT ("legacy_officeid") DO NOTHING` {
		t.Errorf("legacy-only query = %s", only)
	}
}

func TestBuildLookupQuery(t *testing.T) {
	got := buildLookupQuery("public", "content_hash", offices)
	want := `SELECT "legacy_officeid"::text, "updatedat", "content_hash"::text FROM "public"."offices" WHERE "legacy_officeid"::text = ANY($1)`
	if got != want {
		t.Errorf("query =\n%s\nwant\n%s", got, want)
	}

	noHash := buildLookupQuery("public", "", offices)
	if noHash != `SELECT "legacy_officeid"::text, "updatedat", NULL::text FROM "public"."offices" WHERE "legacy_officeid"::text = ANY($1)` {
		t.Errorf("query without hash column = %s", noHash)
	}
}
