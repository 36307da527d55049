package main

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"time"
)

func nullableString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullIfEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func scanPendingProtest(rows interface {
	Scan(dest ...any) error
}) (PendingProtest, error) {
	var p PendingProtest
	var displayName, streetAddress, whatsAppLink, telegramLink, notes, meetingTime sql.NullString
	var lat, lng sql.NullFloat64
	var createdAt time.Time
	if err := rows.Scan(
		&p.ID,
		&displayName,
		&streetAddress,
		&lat,
		&lng,
		&whatsAppLink,
		&telegramLink,
		&notes,
		&meetingTime,
		&p.Archived,
		&createdAt,
	); err != nil {
		return PendingProtest{}, err
	}
	p.DisplayName = nullableString(displayName)
	p.StreetAddress = nullableString(streetAddress)
	p.WhatsAppLink = nullableString(whatsAppLink)
	p.TelegramLink = nullableString(telegramLink)
	p.Notes = nullableString(notes)
	p.MeetingTime = nullableString(meetingTime)
	if lat.Valid && lng.Valid {
		p.Coordinates = &Coordinates{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	p.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	return p, nil
}

// storeListPendingProtests returns the review queue: non-archived entries,
// archived flag first in the sort key, capped at pendingListLimit.
func (a *App) storeListPendingProtests(ctx context.Context) ([]PendingProtest, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, display_name, street_address, lat, lng, whatsapp_link, telegram_link, notes, meeting_time, archived, created_at
		FROM pending_protests
		WHERE archived IS DISTINCT FROM TRUE
		ORDER BY archived ASC, created_at ASC
		LIMIT $1
	`, pendingListLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var protests []PendingProtest
	for rows.Next() {
		p, err := scanPendingProtest(rows)
		if err != nil {
			return nil, err
		}
		protests = append(protests, p)
	}
	return protests, rows.Err()
}

func (a *App) storeCreateProtest(ctx context.Context, params ProtestParams) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO protests (id, display_name, street_address, lat, lng, whatsapp_link, telegram_link, notes, meeting_time, source_pending_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		generatePublicID(),
		nullIfEmpty(params.DisplayName),
		nullIfEmpty(params.StreetAddress),
		params.Coords[0],
		params.Coords[1],
		nullIfEmpty(params.WhatsAppLink),
		nullIfEmpty(params.TelegramLink),
		nullIfEmpty(params.Notes),
		nullIfEmpty(params.MeetingTime),
		nullIfEmpty(params.SourcePendingID),
	)
	return err
}

// storeArchivePendingProtest soft-deletes a pending entry. An unknown id is
// reported as (false, nil), not as an error.
func (a *App) storeArchivePendingProtest(ctx context.Context, id string) (bool, error) {
	result, err := a.db.ExecContext(ctx, `
		UPDATE pending_protests
		SET archived = TRUE, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// storeFindNearbyProtests runs the proximity query: a bounding-box prefilter
// in SQL, then an exact haversine cut and nearest-first sort in Go, capped at
// nearbyProtestLimit.
func (a *App) storeFindNearbyProtests(ctx context.Context, center [2]float64, radiusKm float64) ([]NearbyProtest, error) {
	latDelta, lngDelta := boundingBoxDeltas(center[0], radiusKm)

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, display_name, street_address, lat, lng, whatsapp_link, telegram_link, notes, meeting_time, created_at
		FROM protests
		WHERE lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4
	`, center[0]-latDelta, center[0]+latDelta, center[1]-lngDelta, center[1]+lngDelta)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type candidate struct {
		protest        NearbyProtest
		distanceMeters float64
	}

	var candidates []candidate
	for rows.Next() {
		var p NearbyProtest
		var displayName, streetAddress, whatsAppLink, telegramLink, notes, meetingTime sql.NullString
		var lat, lng float64
		var createdAt time.Time
		if err := rows.Scan(
			&p.ID,
			&displayName,
			&streetAddress,
			&lat,
			&lng,
			&whatsAppLink,
			&telegramLink,
			&notes,
			&meetingTime,
			&createdAt,
		); err != nil {
			return nil, err
		}
		p.LatLng = [2]float64{lat, lng}
		p.DisplayName = nullableString(displayName)
		p.StreetAddress = nullableString(streetAddress)
		p.WhatsAppLink = nullableString(whatsAppLink)
		p.TelegramLink = nullableString(telegramLink)
		p.Notes = nullableString(notes)
		p.MeetingTime = nullableString(meetingTime)
		p.CreatedAt = createdAt.UTC().Format(time.RFC3339)

		distance := haversineMeters(center[0], center[1], lat, lng)
		if distance > radiusKm*1000 {
			continue
		}
		candidates = append(candidates, candidate{protest: p, distanceMeters: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].distanceMeters < candidates[j].distanceMeters
	})
	if len(candidates) > nearbyProtestLimit {
		candidates = candidates[:nearbyProtestLimit]
	}

	protests := make([]NearbyProtest, 0, len(candidates))
	for _, c := range candidates {
		protests = append(protests, c.protest)
	}
	return protests, nil
}

func (a *App) storeListProtests(ctx context.Context) ([]Protest, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, display_name, street_address, lat, lng, whatsapp_link, telegram_link, notes, meeting_time, source_pending_id, created_at
		FROM protests
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var protests []Protest
	for rows.Next() {
		var p Protest
		var displayName, streetAddress, whatsAppLink, telegramLink, notes, meetingTime, sourcePendingID sql.NullString
		var createdAt time.Time
		if err := rows.Scan(
			&p.ID,
			&displayName,
			&streetAddress,
			&p.Lat,
			&p.Lng,
			&whatsAppLink,
			&telegramLink,
			&notes,
			&meetingTime,
			&sourcePendingID,
			&createdAt,
		); err != nil {
			return nil, err
		}
		p.DisplayName = nullableString(displayName)
		p.StreetAddress = nullableString(streetAddress)
		p.WhatsAppLink = nullableString(whatsAppLink)
		p.TelegramLink = nullableString(telegramLink)
		p.Notes = nullableString(notes)
		p.MeetingTime = nullableString(meetingTime)
		p.SourcePendingID = nullableString(sourcePendingID)
		p.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		protests = append(protests, p)
	}
	return protests, rows.Err()
}

// boundingBoxDeltas converts a radius in km to degree offsets around a
// latitude. Longitude degrees shrink with cos(lat); clamped away from the
// poles to keep the box finite.
func boundingBoxDeltas(lat, radiusKm float64) (latDelta, lngDelta float64) {
	const kmPerDegree = 111.32
	latDelta = radiusKm / kmPerDegree
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	lngDelta = radiusKm / (kmPerDegree * cosLat)
	return latDelta, lngDelta
}
