package httpapi

import "github.com/gin-gonic/gin"

// RegisterDesk mounts the desk session endpoints. g must authenticate the
// caller first.
func (h Handlers) RegisterDesk(g *gin.RouterGroup) {
	g.POST("/sessions", h.CreateSession)

	s := g.Group("/sessions/:sid")
	s.GET("", h.GetState)
	s.DELETE("", h.CloseSession)
	s.POST("/attach", h.AttachSession)
	s.GET("/events", h.Events)

	s.POST("/online", h.GoOnline)
	s.POST("/offline", h.GoOffline)
	s.POST("/accept", h.Accept)
	s.POST("/reject", h.Reject)
	s.POST("/connect", h.Connect)
	s.POST("/hold", h.Hold)
	s.POST("/disconnect", h.Disconnect)
	s.POST("/refresh", h.Refresh)
	s.POST("/participants", h.AddParticipant)

	s.GET("/guard", h.GuardPolicy)
	s.POST("/guard/key", h.GuardKey)
	s.POST("/guard/history", h.GuardHistory)

	s.GET("/calls", h.CallHistory)
}

// RegisterAuth mounts the backend login proxy. These routes are public.
func (h Handlers) RegisterAuth(g *gin.RouterGroup) {
	g.POST("/login", h.Login)
	g.POST("/refresh", h.RefreshToken)
	g.POST("/logout", h.Logout)
}
