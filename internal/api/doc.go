// Package api serves the workflow automation HTTP API: the user API under
// /api/v1 authenticated by X-API-Key, inbound webhooks under /hooks and the
// bearer-guarded scan and poll entry points under /internal.
package api
