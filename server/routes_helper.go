// routes_helper.go - Handler fuer Formular und JSON-Variante des Helpers
// Enthaelt: FormHandler, SubmitHandler, SuggestHandler, suggest()
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mini-helper/lorakit/api"
)

// errEmptyChallenge wird fuer leere Eingaben angezeigt
var errEmptyChallenge = errors.New("Please describe the challenge first.")

// Generator erzeugt eine Antwort zu einem Prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// page sind die Daten fuer index.gohtml
type page struct {
	Challenge  string
	Suggestion string
	Crisis     bool
	Error      string
}

// suggest prueft challenge und fragt bei Bedarf das Modell.
// Fehlermeldungen sind fuer die Anzeige formatiert.
func (s *Server) suggest(ctx context.Context, challenge string) (string, bool, error) {
	if challenge == "" {
		return "", false, errEmptyChallenge
	}

	if IsCrisis(challenge) {
		slog.Info("crisis keywords matched, model not called")
		return CrisisNotice, true, nil
	}

	text, err := s.gen.Generate(ctx, challenge)
	if err != nil {
		var (
			se api.StatusError
			ue api.UnexpectedResponseError
		)
		switch {
		case errors.As(err, &ue):
			return "", false, fmt.Errorf("Unexpected API response format: %s", ue.Body)
		case errors.As(err, &se):
			return "", false, fmt.Errorf("Helper API error (HTTP %d): %s", se.StatusCode, se.ErrorMessage)
		default:
			slog.Error("helper api request failed", "error", err)
			return "", false, fmt.Errorf("Request error: %w", err)
		}
	}
	return text, false, nil
}

// FormHandler zeigt das leere Formular
func (s *Server) FormHandler(c *gin.Context) {
	c.HTML(http.StatusOK, "index.gohtml", page{})
}

// SubmitHandler verarbeitet das abgeschickte Formular
func (s *Server) SubmitHandler(c *gin.Context) {
	p := page{Challenge: strings.TrimSpace(c.PostForm("challenge"))}

	suggestion, crisis, err := s.suggest(c.Request.Context(), p.Challenge)
	if err != nil {
		p.Error = err.Error()
	}
	p.Suggestion, p.Crisis = suggestion, crisis

	c.HTML(http.StatusOK, "index.gohtml", p)
}

// SuggestHandler ist die JSON-Variante des Formulars
func (s *Server) SuggestHandler(c *gin.Context) {
	var req api.SuggestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, api.SuggestResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	suggestion, crisis, err := s.suggest(c.Request.Context(), strings.TrimSpace(req.Challenge))
	switch {
	case errors.Is(err, errEmptyChallenge):
		c.JSON(http.StatusBadRequest, api.SuggestResponse{Error: err.Error()})
	case err != nil:
		c.JSON(http.StatusBadGateway, api.SuggestResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusOK, api.SuggestResponse{Suggestion: suggestion, Crisis: crisis})
	}
}
