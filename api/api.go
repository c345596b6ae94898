/*
Copyright 2024 Roster Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/rosterhq/roster"
	"github.com/rosterhq/roster/api/middleware"
	"github.com/rosterhq/roster/config"
)

const serviceName = "roster-api"

type Api struct {
	roster *roster.Roster
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/transfers", a.InitiateTransfer)
	router.GET("/transfers/:id", a.GetTransfer)
	router.GET("/transfers/:id/steps", a.GetTransferSteps)
	router.GET("/transfers/:id/snapshots", a.GetTransferSnapshots)
	router.POST("/transfers/:id/run", a.RunTransfer)
	router.POST("/transfers/:id/rollback", a.RollbackTransfer)

	router.GET("/clubs/:id/transfers", a.GetClubTransfers)
	return a.router
}

func NewAPI(r *roster.Roster) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName), middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		router.Use(middleware.SecretKeyAuthMiddleware())
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{roster: r, router: router}
}
