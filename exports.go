package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-pdf/fpdf"
)

// exportProtestsHandler serves the published protest list as a downloadable
// CSV, GeoJSON or PDF artifact.
func (a *App) exportProtestsHandler(c *gin.Context) {
	format := strings.TrimSpace(c.Query("format"))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "geojson" && format != "pdf" {
		format = "csv"
	}

	protests, err := a.listProtests(c.Request.Context())
	if err != nil {
		a.log.Error("protest listing failed", "err", err)
		writeAPIError(c, &apiError{Status: http.StatusBadGateway, Code: "backend_error", Message: "Could not load published protests"})
		return
	}

	sorted := append([]Protest{}, protests...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt < sorted[j].CreatedAt
		}
		return sorted[i].ID < sorted[j].ID
	})

	stamp := sanitizeFileNamePart(time.Now().UTC().Format(time.RFC3339))
	var contentType, fileName string
	var body []byte

	switch format {
	case "geojson":
		encoded, err := buildProtestGeoJSON(sorted)
		if err != nil {
			writeAPIError(c, err)
			return
		}
		contentType = "application/geo+json"
		fileName = fmt.Sprintf("protests-%s.geojson", stamp)
		body = []byte(encoded)
	case "pdf":
		encoded, err := buildProtestPDF(sorted, "Published protests")
		if err != nil {
			writeAPIError(c, err)
			return
		}
		contentType = "application/pdf"
		fileName = fmt.Sprintf("protests-%s.pdf", stamp)
		body = encoded
	default:
		encoded, err := buildProtestCSV(sorted)
		if err != nil {
			writeAPIError(c, err)
			return
		}
		contentType = "text/csv"
		fileName = fmt.Sprintf("protests-%s.csv", stamp)
		body = []byte(encoded)
	}

	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", fileName))
	_, _ = c.Writer.Write(body)
}

func sanitizeFileNamePart(value string) string {
	value = strings.ReplaceAll(value, ":", "-")
	value = strings.ReplaceAll(value, ".", "-")
	return value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func buildProtestCSV(protests []Protest) (string, error) {
	buffer := bytes.NewBuffer(nil)
	writer := csv.NewWriter(buffer)
	headers := []string{"id", "created_at", "display_name", "street_address", "lat", "lng", "whatsapp_link", "telegram_link", "notes", "meeting_time", "source_pending_id"}
	if err := writer.Write(headers); err != nil {
		return "", err
	}
	for _, protest := range protests {
		row := []string{
			protest.ID,
			protest.CreatedAt,
			stringOrEmpty(protest.DisplayName),
			stringOrEmpty(protest.StreetAddress),
			fmt.Sprintf("%f", protest.Lat),
			fmt.Sprintf("%f", protest.Lng),
			stringOrEmpty(protest.WhatsAppLink),
			stringOrEmpty(protest.TelegramLink),
			stringOrEmpty(protest.Notes),
			stringOrEmpty(protest.MeetingTime),
			stringOrEmpty(protest.SourcePendingID),
		}
		if err := writer.Write(row); err != nil {
			return "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}
	return buffer.String(), nil
}

func buildProtestGeoJSON(protests []Protest) (string, error) {
	features := make([]map[string]any, 0, len(protests))
	for _, protest := range protests {
		features = append(features, map[string]any{
			"type": "Feature",
			"geometry": map[string]any{
				"type":        "Point",
				"coordinates": []float64{protest.Lng, protest.Lat},
			},
			"properties": map[string]any{
				"id":           protest.ID,
				"created_at":   protest.CreatedAt,
				"display_name": protest.DisplayName,
				"meeting_time": protest.MeetingTime,
			},
		})
	}
	payload := map[string]any{"type": "FeatureCollection", "features": features}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func buildProtestPDF(protests []Protest, title string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 16)
	pdf.Cell(0, 10, title)

	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 8, fmt.Sprintf("Total protests: %d", len(protests)))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.Cell(0, 7, "Name / address / coordinates")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 9)
	for _, protest := range protests {
		name := stringOrEmpty(protest.DisplayName)
		if name == "" {
			name = stringOrEmpty(protest.StreetAddress)
		}
		if name == "" {
			name = protest.ID
		}
		pdf.Cell(0, 6, fmt.Sprintf("- %s (%0.5f, %0.5f)", name, protest.Lat, protest.Lng))
		pdf.Ln(6)
	}

	buffer := bytes.NewBuffer(nil)
	if err := pdf.Output(buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
