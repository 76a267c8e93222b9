/*
Copyright 2024 The AgentCP Authors.

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

// Package tracing holds the single package-wide tracer used to span
// outgoing calls to the authority and the group server. With no
// TracerProvider registered by the embedding application, spans are
// no-ops; RecordOutcome is still safe to call unconditionally.
package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var Tracer = otel.Tracer("github.com/agentcp-io/agentcp-go")

// RecordOutcome marks span as failed with err's message if err is non-nil,
// otherwise marks it Ok. Either way it ends the span.
func RecordOutcome(span trace.Span, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
