// crisis.go - Erkennung von Krisenbeschreibungen
// Bei einem Treffer wird das Modell nicht gefragt, sondern ein fester Hinweis gezeigt.
package server

import "strings"

// CrisisKeywords werden ohne Beachtung der Gross-/Kleinschreibung als Teilstring gesucht
var CrisisKeywords = []string{
	"kill myself",
	"end my life",
	"suicide",
	"suicidal",
	"hurt myself",
	"hurt others",
	"hurt someone",
	"kill someone",
	"homicide",
	"overdose",
	"immediate danger",
}

// CrisisNotice ersetzt die Modellantwort bei einem Treffer
const CrisisNotice = "From your description, this could involve significant risk.\n\n" +
	"For any situation that may involve immediate danger to the patient or others, " +
	"follow your clinic's crisis protocol and contact local emergency services or " +
	"crisis lines immediately.\n\n" +
	"This tool is only for general, non-emergency guidance."

// IsCrisis meldet, ob text eines der CrisisKeywords enthaelt
func IsCrisis(text string) bool {
	text = strings.ToLower(text)
	for _, kw := range CrisisKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
