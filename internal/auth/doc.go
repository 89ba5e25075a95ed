// Package auth provides bearer token authentication for toolgate's HTTP
// surfaces.
//
// Tokens are HS256 JWTs signed with auth.jwt_secret. The "sub" claim names
// the consumer and is carried through request contexts so audit entries and
// logs can attribute calls:
//
//	v := auth.NewJWTVerifier([]byte(secret))
//	token, _ := v.Generate("ci-bot", 30*24*time.Hour)
//
// When no secret is configured, authentication is disabled and every
// request is anonymous.
package auth
