package coedit

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ByJwt is the identity a participant presents when joining a session.
// The token is issued and verified outside of this package.
type ByJwt struct {
	UserId    Id
	UserName  string
	SessionId Id
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: jwt has no user_id", ErrInvalidArgument)
	}
	userId, err := ParseId(userIdStr)
	if err != nil {
		return nil, err
	}
	byJwt.UserId = userId

	if userName, ok := claims["user_name"].(string); ok {
		byJwt.UserName = userName
	}
	if sessionIdStr, ok := claims["session_id"].(string); ok {
		if sessionId, err := ParseId(sessionIdStr); err == nil {
			byJwt.SessionId = sessionId
		}
	}

	return byJwt, nil
}
