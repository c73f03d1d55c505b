// Package auth provides authentication for the hub.
//
// # Agent Keys
//
// Agents authenticate their TCP connection by sending the shared key in the
// AUTH payload. KeyVerifier checks it against either the plaintext key from
// config (compared in constant time) or a bcrypt hash:
//
//	v, err := auth.NewKeyVerifier(cfg.Auth.Key, cfg.Auth.KeyHash)
//	if err := v.Verify(payload.Key); err != nil { ... }
//
// Use HashKey (or `agent-hub hash-key`) to produce a key_hash value.
//
// # Admin Tokens
//
// The optional admin HTTP API is protected by HS256 JWTs signed with
// auth.admin_secret. Tokens carry iss=agent-hub, a subject, and a required
// expiry. HTTPAuthMiddleware verifies the Authorization: Bearer header and
// exposes the subject through SubjectFromContext.
package auth
