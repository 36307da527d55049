package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// ReviewSession holds one operator's in-memory review state: the ordered
// pending queue, the current selection, the explicit form record, the map
// position and the last successful nearby lookup. Process-local, rebuilt on
// every queue load.
type ReviewSession struct {
	mu         sync.Mutex
	queue      []PendingProtest
	currentID  string
	form       ProtestParams
	position   [2]float64
	nearby     []NearbyProtest
	submitting bool
}

// ReviewSnapshot is the state returned to the admin page after every
// operation, so the client renders from explicit data instead of tracking
// changes itself.
type ReviewSnapshot struct {
	Queue    []PendingProtest `json:"queue"`
	Current  *PendingProtest  `json:"current"`
	Form     *ProtestParams   `json:"form"`
	Position [2]float64       `json:"position"`
	Nearby   []NearbyProtest  `json:"nearby"`
}

// PartialSubmissionError reports a create+archive pair whose results disagree.
// The pending entry is left selected and queued so the operator can retry;
// when creation succeeded a duplicate live protest may exist until then.
type PartialSubmissionError struct {
	PendingID        string
	CreateSucceeded  bool
	ArchiveSucceeded bool
	Err              error
}

func (e *PartialSubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("partial submission for pending %s (create=%t archive=%t): %v", e.PendingID, e.CreateSucceeded, e.ArchiveSucceeded, e.Err)
	}
	return fmt.Sprintf("partial submission for pending %s (create=%t archive=%t)", e.PendingID, e.CreateSucceeded, e.ArchiveSucceeded)
}

func (e *PartialSubmissionError) Unwrap() error { return e.Err }

func (a *App) reviewSessionFor(email string) *ReviewSession {
	a.reviewMu.Lock()
	defer a.reviewMu.Unlock()

	session, ok := a.reviews[email]
	if !ok {
		session = &ReviewSession{position: defaultMapCenter}
		a.reviews[email] = session
	}
	return session
}

// dropReviewSession evicts an operator's review state, called on logout so
// the sessions map does not accumulate entries for departed operators.
func (a *App) dropReviewSession(email string) {
	a.reviewMu.Lock()
	defer a.reviewMu.Unlock()
	delete(a.reviews, email)
}

func (s *ReviewSession) snapshot() *ReviewSnapshot {
	snap := &ReviewSnapshot{
		Queue:    append([]PendingProtest{}, s.queue...),
		Position: s.position,
		Nearby:   append([]NearbyProtest{}, s.nearby...),
	}
	if entry := s.entryByID(s.currentID); entry != nil {
		current := *entry
		form := s.form
		snap.Current = &current
		snap.Form = &form
	}
	return snap
}

func (s *ReviewSession) entryByID(id string) *PendingProtest {
	if id == "" {
		return nil
	}
	for i := range s.queue {
		if s.queue[i].ID == id {
			return &s.queue[i]
		}
	}
	return nil
}

func (s *ReviewSession) entryIndex(id string) int {
	for i := range s.queue {
		if s.queue[i].ID == id {
			return i
		}
	}
	return -1
}

// formFromEntry resets the form record to the entry's stored values. Unsaved
// edits to a previously selected entry are discarded here.
func formFromEntry(entry PendingProtest) ProtestParams {
	form := ProtestParams{}
	if entry.DisplayName != nil {
		form.DisplayName = *entry.DisplayName
	}
	if entry.StreetAddress != nil {
		form.StreetAddress = *entry.StreetAddress
	}
	if entry.WhatsAppLink != nil {
		form.WhatsAppLink = *entry.WhatsAppLink
	}
	if entry.TelegramLink != nil {
		form.TelegramLink = *entry.TelegramLink
	}
	if entry.Notes != nil {
		form.Notes = *entry.Notes
	}
	if entry.MeetingTime != nil {
		form.MeetingTime = *entry.MeetingTime
	}
	return form
}

// loadReviewQueue refetches the pending list from the gateway and replaces
// the in-memory queue. A current selection that no longer appears in the
// fresh list is dropped; position and nearby are left as they were.
func (a *App) loadReviewQueue(ctx context.Context, s *ReviewSession) (*ReviewSnapshot, error) {
	protests, err := a.listPendingProtests(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = protests
	if s.currentID != "" && s.entryByID(s.currentID) == nil {
		s.currentID = ""
		s.form = ProtestParams{}
	}
	return s.snapshot(), nil
}

// selectEntry makes the entry with the given id current and resets the form
// to its stored values, then applies the selection side effects.
func (a *App) selectEntry(ctx context.Context, s *ReviewSession, id string) (*ReviewSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entryByID(id)
	if entry == nil {
		return nil, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Pending protest is not in the review queue"}
	}

	s.currentID = entry.ID
	s.form = formFromEntry(*entry)
	a.applySelectionEffects(ctx, s, *entry)
	return s.snapshot(), nil
}

// applySelectionEffects recomputes the derived state for a newly current
// entry: with coordinates present the map recenters and the nearby list is
// refreshed; without them both are left untouched. A failed lookup is logged
// and the last successful result kept. Caller holds s.mu, so overlapping
// lookups cannot land out of order.
func (a *App) applySelectionEffects(ctx context.Context, s *ReviewSession, entry PendingProtest) {
	if entry.Coordinates == nil {
		return
	}
	s.position = [2]float64{entry.Coordinates.Latitude, entry.Coordinates.Longitude}

	nearby, err := a.findNearbyProtests(ctx, s.position, nearbyRadiusKm)
	if err != nil {
		a.log.Error("nearby protest lookup failed", "pending_id", entry.ID, "err", err)
		return
	}
	s.nearby = nearby
}

// submitCurrent runs the approve transition: the form is published as a live
// protest with the current map position attached as coords, then the source
// pending entry is archived. The two calls are one logical unit but not
// atomic; any disagreement between their results is a PartialSubmissionError.
// On combined success the entry is removed from the in-memory queue and the
// entry that followed it becomes current; approving the last-positioned entry
// clears the selection.
func (a *App) submitCurrent(ctx context.Context, s *ReviewSession, form ProtestParams) (*ReviewSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.entryIndex(s.currentID)
	if index < 0 {
		return nil, &apiError{Status: http.StatusConflict, Code: "no_selection", Message: "No pending protest is selected"}
	}
	if s.submitting {
		return nil, &apiError{Status: http.StatusConflict, Code: "submission_in_flight", Message: "A submission is already in progress"}
	}
	s.submitting = true
	defer func() { s.submitting = false }()

	pendingID := s.currentID
	params := form
	params.Coords = s.position
	params.SourcePendingID = pendingID

	if err := a.createProtest(ctx, params); err != nil {
		a.log.Error("protest creation failed", "pending_id", pendingID, "err", err)
		return nil, err
	}

	archived, err := a.archivePendingProtest(ctx, pendingID)
	if err != nil || !archived {
		partial := &PartialSubmissionError{
			PendingID:        pendingID,
			CreateSucceeded:  true,
			ArchiveSucceeded: false,
			Err:              err,
		}
		a.log.Error("pending protest archive failed after creation", "pending_id", pendingID, "err", err)
		a.alertPartialSubmission(partial)
		return nil, partial
	}

	s.queue = append(s.queue[:index], s.queue[index+1:]...)
	if index < len(s.queue) {
		// The entry that followed in the pre-submission order becomes current.
		next := s.queue[index]
		s.currentID = next.ID
		s.form = formFromEntry(next)
		a.applySelectionEffects(ctx, s, next)
	} else {
		s.currentID = ""
		s.form = ProtestParams{}
	}
	return s.snapshot(), nil
}

// archiveEntry runs the reject transition: archive only, no creation. The
// entry is intentionally not removed from the in-memory queue, matching the
// page's observed behavior; the operator sees it gone on the next queue load.
func (a *App) archiveEntry(ctx context.Context, s *ReviewSession, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	archived, err := a.archivePendingProtest(ctx, id)
	if err != nil {
		a.log.Error("pending protest archive failed", "pending_id", id, "err", err)
		return false, err
	}
	return archived, nil
}

// updatePosition records a map pan. It has no effect on the current
// selection.
func (s *ReviewSession) updatePosition(position [2]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = position
}

// refreshNearby reruns the proximity query for the current map position.
func (a *App) refreshNearby(ctx context.Context, s *ReviewSession) ([]NearbyProtest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nearby, err := a.findNearbyProtests(ctx, s.position, nearbyRadiusKm)
	if err != nil {
		return nil, err
	}
	s.nearby = nearby
	return append([]NearbyProtest{}, nearby...), nil
}

// geocodeEntry derives coordinates for a queued entry from its street
// address. For the current entry the possibly edited form address wins over
// the stored one. A hit recenters the map and refreshes the nearby list the
// same way selecting an entry with coordinates does.
func (a *App) geocodeEntry(ctx context.Context, s *ReviewSession, id string) (*ReviewSnapshot, *GeocodeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entryByID(id)
	if entry == nil {
		return nil, nil, &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Pending protest is not in the review queue"}
	}

	address := ""
	if entry.StreetAddress != nil {
		address = *entry.StreetAddress
	}
	if id == s.currentID && s.form.StreetAddress != "" {
		address = s.form.StreetAddress
	}
	if address == "" {
		return nil, nil, &apiError{Status: http.StatusBadRequest, Code: "no_street_address", Message: "Pending protest has no street address to geocode"}
	}

	result, err := a.geocoder.Geocode(ctx, address)
	if err != nil {
		a.log.Error("geocoding failed", "pending_id", id, "err", err)
		return nil, nil, err
	}
	if result == nil {
		return nil, nil, &apiError{Status: http.StatusNotFound, Code: "address_not_found", Message: "No coordinates found for the street address"}
	}

	s.position = [2]float64{result.Lat, result.Lng}
	nearby, err := a.findNearbyProtests(ctx, s.position, nearbyRadiusKm)
	if err != nil {
		a.log.Error("nearby protest lookup failed", "pending_id", id, "err", err)
	} else {
		s.nearby = nearby
	}
	return s.snapshot(), result, nil
}

func (a *App) alertPartialSubmission(partial *PartialSubmissionError) {
	if a.mailer == nil {
		return
	}
	subject := fmt.Sprintf("Partial submission for pending protest %s", partial.PendingID)
	body := fmt.Sprintf(
		"<p>Approving pending protest <b>%s</b> created a live protest but failed to archive the source entry.</p>"+
			"<p>A duplicate may now exist until the entry is re-approved or archived manually.</p>"+
			"<p>Detail: %s</p>",
		partial.PendingID, partial.Error(),
	)
	if _, err := a.mailer.Send(MailMessage{
		To:      []string{a.cfg.AlertEmailTo},
		Subject: subject,
		HTML:    body,
	}); err != nil {
		a.log.Error("partial submission alert email failed", "pending_id", partial.PendingID, "err", err)
	}
}
