// Package docs provides Swagger API documentation.
// This file contains the shared Swagger annotations for the Portfolio Tracker API.
package docs

// @title Portfolio Tracker API
// @version 1.0
// @description Brokerage account linking, sync, and portfolio analytics service
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.email support@portfoliotracker.local

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token. Example: "Bearer eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."

// @tag.name accounts
// @tag.description Brokerage account linking, sync, and connection management

// @tag.name portfolio
// @tag.description Portfolio summary, holdings, performance, and allocation views

// @tag.name health
// @tag.description Health check and monitoring endpoints
