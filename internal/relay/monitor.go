package relay

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// monitorRoutes attaches the observability surface: health, Prometheus,
// the JSON API, per-room SSE, and a minimal dashboard.
func (s *Server) monitorRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/", s.handleDashboard)

	api := router.Group("/api")
	api.Use(s.monitorAuth())
	{
		api.GET("/status", s.handleStatus)
		api.GET("/rooms", s.handleRooms)
		api.GET("/rooms/:name", s.handleRoom)
		api.GET("/rooms/:name/events", s.handleRoomEvents)
		api.POST("/rooms/:name/compact", s.handleCompact)
	}
}

// corsWrap restricts cross-origin API access to the configured monitor
// origin. Without one, cross-origin requests stay blocked by default.
func (s *Server) corsWrap(h http.Handler) http.Handler {
	if s.cfg.MonitorOrigin == "" {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins: []string{s.cfg.MonitorOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(h)
}

// monitorAuth gates the API behind MONITOR_TOKEN when one is configured.
// Accepts a bearer header or a token query parameter (for EventSource,
// which cannot set headers).
func (s *Server) monitorAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.MonitorToken == "" {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || token == c.GetHeader("Authorization") {
			token = c.Query("token")
		}
		if token != s.cfg.MonitorToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	persisted, err := s.store.Rooms()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	live := s.reg.Live()
	conns := 0
	for _, name := range live {
		if room, ok := s.reg.Peek(name); ok {
			conns += room.Conns()
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"rooms_live":      len(live),
		"rooms_persisted": len(persisted),
		"connections":     conns,
		"max_rooms":       s.cfg.MaxRooms,
	})
}

func (s *Server) handleRooms(c *gin.Context) {
	persisted, err := s.store.Rooms()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	seen := make(map[string]bool)
	rooms := make([]gin.H, 0)
	for _, name := range s.reg.Live() {
		room, ok := s.reg.Peek(name)
		if !ok {
			continue
		}
		seen[name] = true
		rooms = append(rooms, gin.H{
			"name":       name,
			"resident":   true,
			"conns":      room.Conns(),
			"log_length": s.store.LogLength(name),
		})
	}
	for _, name := range persisted {
		if seen[name] {
			continue
		}
		rooms = append(rooms, gin.H{
			"name":       name,
			"resident":   false,
			"conns":      0,
			"log_length": s.store.LogLength(name),
		})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (s *Server) handleRoom(c *gin.Context) {
	name := SanitizeRoomName(c.Param("name"))
	room, resident := s.reg.Peek(name)
	if !resident {
		if s.store.LogLength(name) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"name":       name,
			"resident":   false,
			"log_length": s.store.LogLength(name),
		})
		return
	}
	history, _, unsubscribe := room.SubscribeEvents()
	unsubscribe()
	c.JSON(http.StatusOK, gin.H{
		"name":       name,
		"resident":   true,
		"conns":      room.Conns(),
		"log_length": s.store.LogLength(name),
		"doc":        room.doc.DocStats(),
		"events":     history,
	})
}

// handleRoomEvents streams the room's event history and then live events as
// server-sent events until the client goes away.
func (s *Server) handleRoomEvents(c *gin.Context) {
	name := SanitizeRoomName(c.Param("name"))
	room, ok := s.reg.Peek(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not resident"})
		return
	}
	history, live, unsubscribe := room.SubscribeEvents()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	for _, ev := range history {
		c.SSEvent("room", ev)
	}
	c.Writer.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case ev, ok := <-live:
			if !ok {
				return false
			}
			c.SSEvent("room", ev)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) handleCompact(c *gin.Context) {
	name := SanitizeRoomName(c.Param("name"))
	room, ok := s.reg.Peek(name)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "room not resident, nothing to compact"})
		return
	}
	c.JSON(http.StatusOK, s.CompactRoom(room))
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>troparcel relay</title>
<style>
body { font-family: monospace; margin: 2em; background: #111; color: #ddd; }
h1 { font-size: 1.2em; }
table { border-collapse: collapse; margin-top: 1em; }
td, th { padding: 4px 12px; border: 1px solid #444; text-align: left; }
.err { color: #f66; }
</style>
</head>
<body>
<h1>troparcel relay</h1>
<div id="status">loading&hellip;</div>
<table id="rooms"><tr><th>room</th><th>resident</th><th>conns</th><th>log</th></tr></table>
<script>
const token = new URLSearchParams(location.search).get("token") || "";
const q = token ? "?token=" + encodeURIComponent(token) : "";
async function refresh() {
  try {
    const st = await (await fetch("/api/status" + q)).json();
    document.getElementById("status").textContent =
      "uptime " + st.uptime_seconds + "s, " + st.rooms_live + "/" +
      st.max_rooms + " rooms live, " + st.connections + " connections";
    const data = await (await fetch("/api/rooms" + q)).json();
    const table = document.getElementById("rooms");
    while (table.rows.length > 1) table.deleteRow(1);
    for (const r of data.rooms) {
      const row = table.insertRow();
      row.insertCell().textContent = r.name;
      row.insertCell().textContent = r.resident;
      row.insertCell().textContent = r.conns;
      row.insertCell().textContent = r.log_length;
    }
  } catch (e) {
    document.getElementById("status").innerHTML = '<span class="err">' + e + "</span>";
  }
}
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>`

func (s *Server) handleDashboard(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(dashboardHTML))
}
