// Package auth protects the stagehand admin API.
//
// Operators authenticate with HS256 JWTs signed with admin.jwt_secret. A
// token carries the operator name in "sub" and a "role" claim; only the
// admin role is accepted by RequireAdmin. Tokens are minted with
// `stagehand token`.
//
// The verified Identity is attached to the request context and can be read
// back with FromContext.
package auth
