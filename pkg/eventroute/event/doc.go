/*
Package event defines the business event routed by eventroute.

An Event is an immutable value describing something that happened to an
invoice: it was ingested, reconciled, authorized or posted. Producers
build events with New and the ingress gateway stamps the receipt
metadata; the router only ever reads them.

# Types

The routable type set is closed for today's producers but the field is
a plain string, so new types can be introduced without code changes:

	event.TypeIngestion      // "ingestion"
	event.TypeReconciliation // "reconciliation"
	event.TypeAuthorization  // "authorization"
	event.TypePosting        // "posting"

TypeAll ("*") is not an event type. It is the routing key a channel
subscribes under to receive every event. "ALL" is accepted as an alias
by NormalizeType.

# Construction

	evt, err := event.New(event.TypeIngestion, "/ingestion", payload,
		event.WithTraceID(requestID),
	)

New assigns a UUID id and stamps OccurredAt and ReceivedAt with the
current time unless overridden. Validate checks the fields every
routable event must carry.

# Invoice payloads

Most consumers only look at a handful of invoice fields. ParseInvoice
decodes them from the payload without imposing a schema on the rest of
it, and Summary produces the compact projection the dashboard channel
publishes.
*/
package event
