// Package server - Web-Oberflaeche des Counselor-Helpers
// Beinhaltet: Server-Struct, Router-Registrierung, Middleware, Server-Start
package server

import (
	"embed"
	"html/template"
	"net"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mini-helper/lorakit/api"
	"github.com/mini-helper/lorakit/envconfig"
	"github.com/mini-helper/lorakit/version"
)

//go:embed index.gohtml
var templates embed.FS

var mode string = gin.DebugMode

func init() {
	switch mode {
	case gin.DebugMode:
	case gin.ReleaseMode:
	case gin.TestMode:
	default:
		mode = gin.DebugMode
	}

	gin.SetMode(mode)
}

// Server beantwortet Formular- und API-Anfragen
type Server struct {
	addr net.Addr
	gen  Generator
}

// NewServer erstellt einen Server; addr ist die Listen-Adresse
// (nil deaktiviert die Host-Pruefung)
func NewServer(addr net.Addr, gen Generator) *Server {
	return &Server{addr: addr, gen: gen}
}

// GenerateRoutes erstellt und konfiguriert den HTTP-Router
func (s *Server) GenerateRoutes() (http.Handler, error) {
	tmpl, err := template.ParseFS(templates, "index.gohtml")
	if err != nil {
		return nil, err
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.SetHTMLTemplate(tmpl)
	r.Use(
		cors.New(corsConfig),
		allowedHostsMiddleware(s.addr),
	)

	// Formular
	r.HEAD("/", s.FormHandler)
	r.GET("/", s.FormHandler)
	r.POST("/", s.SubmitHandler)

	// API
	r.HEAD("/api/version", versionHandler)
	r.GET("/api/version", versionHandler)
	r.POST("/api/suggest", s.SuggestHandler)

	return r, nil
}

func versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version})
}
