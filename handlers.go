package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (a *App) operatorLoginHandler(c *gin.Context) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid login payload"})
		return
	}
	payload.Email = strings.TrimSpace(payload.Email)

	if err := a.authenticateOperator(c.Request.Context(), payload.Email, payload.Password); err != nil {
		writeAPIError(c, err)
		return
	}

	if err := a.startOperatorSession(c, OperatorSession{Email: payload.Email}); err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": payload.Email})
}

func (a *App) operatorLogoutHandler(c *gin.Context) {
	if token, err := c.Cookie(operatorCookieName); err == nil {
		if session, err := a.verifyOperatorSessionToken(token); err == nil {
			a.dropReviewSession(session.Email)
		}
	}
	a.clearOperatorSession(c)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *App) operatorSessionHandler(c *gin.Context) {
	token, err := c.Cookie(operatorCookieName)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Operator session required"})
		return
	}
	session, err := a.verifyOperatorSessionToken(token)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Operator session required"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *App) reviewSessionFromContext(c *gin.Context) (*ReviewSession, error) {
	session, err := getOperatorSession(c)
	if err != nil {
		return nil, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Operator session required"}
	}
	return a.reviewSessionFor(session.Email), nil
}

// pendingQueueHandler (re)loads the review queue from the backend into the
// operator's session and returns the full review state.
func (a *App) pendingQueueHandler(c *gin.Context) {
	rs, err := a.reviewSessionFromContext(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	snapshot, err := a.loadReviewQueue(c.Request.Context(), rs)
	if err != nil {
		a.log.Error("pending protest listing failed", "err", err)
		writeAPIError(c, &apiError{Status: http.StatusBadGateway, Code: "backend_error", Message: "Could not load pending protests"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (a *App) selectPendingHandler(c *gin.Context) {
	rs, err := a.reviewSessionFromContext(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	snapshot, err := a.selectEntry(c.Request.Context(), rs, c.Param("id"))
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// submitProtestHandler runs the approve transition for the currently selected
// entry. The submitted body carries the edited form fields; coords always
// come from the session's map position.
func (a *App) submitProtestHandler(c *gin.Context) {
	rs, err := a.reviewSessionFromContext(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	var form ProtestParams
	if err := c.ShouldBindJSON(&form); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid protest form payload"})
		return
	}

	snapshot, err := a.submitCurrent(c.Request.Context(), rs, form)
	if err != nil {
		var partial *PartialSubmissionError
		if errors.As(err, &partial) {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":           "partial_submission",
				"message":         "The protest was published but the pending entry could not be archived; retry or archive it manually",
				"pendingId":       partial.PendingID,
				"createSucceeded": partial.CreateSucceeded,
			})
			return
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			writeAPIError(c, apiErr)
			return
		}
		writeAPIError(c, &apiError{Status: http.StatusBadGateway, Code: "backend_error", Message: "Could not publish the protest"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// archivePendingHandler runs the reject transition. The result is only
// acknowledged; the in-memory queue is not changed on this path.
func (a *App) archivePendingHandler(c *gin.Context) {
	rs, err := a.reviewSessionFromContext(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	archived, err := a.archiveEntry(c.Request.Context(), rs, c.Param("id"))
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadGateway, Code: "backend_error", Message: "Could not archive the pending protest"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": archived})
}

func (a *App) geocodePendingHandler(c *gin.Context) {
	rs, err := a.reviewSessionFromContext(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	snapshot, result, err := a.geocodeEntry(c.Request.Context(), rs, c.Param("id"))
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			writeAPIError(c, apiErr)
			return
		}
		writeAPIError(c, &apiError{Status: http.StatusBadGateway, Code: "geocoder_error", Message: "Geocoding failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot": snapshot,
		"match":    gin.H{"lat": result.Lat, "lng": result.Lng, "address": result.Address},
	})
}

// updatePositionHandler records a map pan from the admin page.
func (a *App) updatePositionHandler(c *gin.Context) {
	rs, err := a.reviewSessionFromContext(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	// Pointer binding so a pan to exactly [0,0] is not rejected as missing.
	var payload struct {
		Position *[2]float64 `json:"position" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid position payload"})
		return
	}

	rs.updatePosition(*payload.Position)
	c.JSON(http.StatusOK, gin.H{"position": *payload.Position})
}

func (a *App) nearbyProtestsHandler(c *gin.Context) {
	rs, err := a.reviewSessionFromContext(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	nearby, err := a.refreshNearby(c.Request.Context(), rs)
	if err != nil {
		a.log.Error("nearby protest lookup failed", "err", err)
		writeAPIError(c, &apiError{Status: http.StatusBadGateway, Code: "backend_error", Message: "Could not query nearby protests"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nearby": nearby})
}
