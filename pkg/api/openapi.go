// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

var openapiSpec *openapi3.T

func init() {
	openapiSpec = &openapi3.T{
		OpenAPI: "3.1.1",
		Info: &openapi3.Info{
			Title:       "grantkeeper API",
			Description: "Client registration and authorization management for the grantkeeper OAuth2 authorization server.",
			Version:     "1.0.0",
			License: &openapi3.License{
				Name: "Apache 2.0",
				URL:  "http://www.apache.org/licenses/LICENSE-2.0.html",
			},
		},
		Servers: openapi3.Servers{
			&openapi3.Server{
				URL:         "http://localhost:8080",
				Description: "Local development server",
			},
		},
		Paths: openapi3.NewPaths(),
		Tags: []*openapi3.Tag{
			{Name: "clients", Description: "Client registration"},
			{Name: "authorizations", Description: "The caller's authorizations and their history"},
			{Name: "scopes", Description: "Scope catalog"},
		},
	}

	addClientPaths()
	addAuthorizationPaths()

	openapiSpec.Paths.Set("/api/v1/scopes", &openapi3.PathItem{
		Get: operation("listScopes", "List scopes", "List every scope a client may be configured with", "scopes"),
	})
}

func operation(id, summary, description, tag string, params ...*openapi3.ParameterRef) *openapi3.Operation {
	return &openapi3.Operation{
		OperationID: id,
		Summary:     summary,
		Description: description,
		Tags:        []string{tag},
		Parameters:  params,
		Responses:   openapi3.NewResponses(),
	}
}

func stringParam(name, in, description string, required bool) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: &openapi3.Parameter{
			Name:        name,
			In:          in,
			Required:    required,
			Description: description,
			Schema: &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
			},
		},
	}
}

func integerParam(name, description string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: &openapi3.Parameter{
			Name:        name,
			In:          "query",
			Description: description,
			Schema: &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}},
			},
		},
	}
}

func jsonBody(schema *openapi3.Schema) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Required: true,
			Content:  openapi3.NewContentWithJSONSchema(schema),
		},
	}
}

func stringArray() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
		},
	}
}

func clientTypeSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"string"},
			Enum: []any{"CLIENT", "SERVER", "SERVICE"},
		},
	}
}

func addClientPaths() {
	clientID := stringParam("id", "path", "Client ID", true)

	create := operation("createClient", "Register a client", "Register a CLIENT type client", "clients")
	create.RequestBody = jsonBody(&openapi3.Schema{
		Type: &openapi3.Types{"object"},
		Properties: map[string]*openapi3.SchemaRef{
			"name": {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Example: "My app"}},
		},
		Required: []string{"name"},
	})
	openapiSpec.Paths.Set("/api/v1/clients", &openapi3.PathItem{
		Get:  operation("listClients", "List clients", "List the caller's clients, newest first", "clients"),
		Post: create,
	})

	update := operation("updateClient", "Update a client",
		"Replace the name, type, redirect URIs, CORS origins and scopes of a client", "clients", clientID)
	update.RequestBody = jsonBody(&openapi3.Schema{
		Type: &openapi3.Types{"object"},
		Properties: map[string]*openapi3.SchemaRef{
			"name":          {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			"type":          clientTypeSchema(),
			"redirect_uris": stringArray(),
			"cors_origins":  stringArray(),
			"scopes":        stringArray(),
		},
		Required: []string{"name"},
	})
	openapiSpec.Paths.Set("/api/v1/clients/{id}", &openapi3.PathItem{
		Get:    operation("getClient", "Get a client", "Get one of the caller's clients", "clients", clientID),
		Put:    update,
		Delete: operation("deleteClient", "Delete a client", "Delete a client and revoke everything issued to it", "clients", clientID),
	})

	changeType := operation("changeClientType", "Change the client type",
		"Changing to SERVER or SERVICE issues a secret; changing to CLIENT destroys it", "clients", clientID)
	changeType.RequestBody = jsonBody(&openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: map[string]*openapi3.SchemaRef{"type": clientTypeSchema()},
		Required:   []string{"type"},
	})
	openapiSpec.Paths.Set("/api/v1/clients/{id}/type", &openapi3.PathItem{Put: changeType})

	openapiSpec.Paths.Set("/api/v1/clients/{id}/client-id", &openapi3.PathItem{
		Post: operation("regenerateClientID", "Regenerate the client_id",
			"Issue a new client_id; tokens bound to the old one stop working", "clients", clientID),
	})
	openapiSpec.Paths.Set("/api/v1/clients/{id}/client-secret", &openapi3.PathItem{
		Post: operation("regenerateClientSecret", "Regenerate the client secret",
			"Issue a new secret for a SERVER or SERVICE client", "clients", clientID),
	})
}

func addAuthorizationPaths() {
	grantID := stringParam("grantID", "path", "Authorization ID", true)

	openapiSpec.Paths.Set("/api/v1/authorizations/active", &openapi3.PathItem{
		Get: operation("listActiveAuthorizations", "List active authorizations",
			"List the caller's ACTIVE authorizations, newest first", "authorizations"),
	})
	openapiSpec.Paths.Set("/api/v1/authorizations/inactive", &openapi3.PathItem{
		Get: operation("listInactiveAuthorizations", "List ended authorizations",
			"List the caller's REVOKED and SUPERSEDED authorizations, newest first", "authorizations"),
	})
	openapiSpec.Paths.Set("/api/v1/authorizations/events", &openapi3.PathItem{
		Get: operation("listAuthorizationHistory", "Authorization history",
			"List events of all the caller's authorizations, newest first", "authorizations",
			stringParam("client", "query", "Only events of this client", false)),
	})
	openapiSpec.Paths.Set("/api/v1/authorizations/{grantID}/events", &openapi3.PathItem{
		Get: operation("listAuthorizationEvents", "Events of an authorization",
			"List events of one authorization in order, one page at a time", "authorizations",
			grantID, integerParam("after", "Sequence cursor"), integerParam("limit", "Page size")),
	})
	openapiSpec.Paths.Set("/api/v1/authorizations/{grantID}", &openapi3.PathItem{
		Delete: operation("revokeAuthorization", "Revoke an authorization",
			"Revoke an ACTIVE authorization and every token issued under it", "authorizations", grantID),
	})
}

// ServeOpenAPI serves the OpenAPI specification
func ServeOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(openapiSpec); err != nil {
		http.Error(w, "Failed to encode OpenAPI specification", http.StatusInternalServerError)
	}
}
