package main

import (
	"database/sql"
	"reflect"
	"testing"
	"time"
)

func TestNullIfEmpty(t *testing.T) {
	if nullIfEmpty("") != nil {
		t.Fatal("expected nil for empty string")
	}
	value := nullIfEmpty("Balfour")
	if value == nil || *value != "Balfour" {
		t.Fatalf("unexpected value: %v", value)
	}
}

func TestNullableString(t *testing.T) {
	if nullableString(sql.NullString{}) != nil {
		t.Fatal("expected nil for invalid NullString")
	}
	value := nullableString(sql.NullString{String: "Balfour", Valid: true})
	if value == nil || *value != "Balfour" {
		t.Fatalf("unexpected value: %v", value)
	}
}

type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	for i := range dest {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

func TestScanPendingProtest(t *testing.T) {
	createdAt := time.Date(2026, 8, 1, 18, 0, 0, 0, time.UTC)
	row := fakeRow{values: []any{
		"pending-1",
		sql.NullString{String: "Balfour", Valid: true},
		sql.NullString{String: "Balfour St 1, Jerusalem", Valid: true},
		sql.NullFloat64{Float64: 31.77, Valid: true},
		sql.NullFloat64{Float64: 35.22, Valid: true},
		sql.NullString{},
		sql.NullString{},
		sql.NullString{String: "bring water", Valid: true},
		sql.NullString{String: "Saturday 19:00", Valid: true},
		false,
		createdAt,
	}}

	p, err := scanPendingProtest(row)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if p.ID != "pending-1" {
		t.Fatalf("unexpected id: %s", p.ID)
	}
	if p.DisplayName == nil || *p.DisplayName != "Balfour" {
		t.Fatalf("unexpected display name: %v", p.DisplayName)
	}
	if p.Coordinates == nil || p.Coordinates.Latitude != 31.77 || p.Coordinates.Longitude != 35.22 {
		t.Fatalf("unexpected coordinates: %+v", p.Coordinates)
	}
	if p.WhatsAppLink != nil {
		t.Fatalf("expected nil whatsapp link, got %v", *p.WhatsAppLink)
	}
	if p.CreatedAt != "2026-08-01T18:00:00Z" {
		t.Fatalf("unexpected created_at: %s", p.CreatedAt)
	}
}

func TestScanPendingProtestWithoutCoordinates(t *testing.T) {
	row := fakeRow{values: []any{
		"pending-2",
		sql.NullString{},
		sql.NullString{},
		sql.NullFloat64{},
		sql.NullFloat64{},
		sql.NullString{},
		sql.NullString{},
		sql.NullString{},
		sql.NullString{},
		false,
		time.Now(),
	}}

	p, err := scanPendingProtest(row)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if p.Coordinates != nil {
		t.Fatalf("expected nil coordinates, got %+v", p.Coordinates)
	}
}
