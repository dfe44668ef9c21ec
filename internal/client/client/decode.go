package client

func decodeAuthResponse(m map[string]any) *AuthResponse {
	resp := &AuthResponse{User: decodeUser(object(m, "user"))}

	if s := object(m, "session"); s != nil {
		resp.Session = &BackendSession{
			AccessToken:  str(s, "access_token"),
			RefreshToken: str(s, "refresh_token"),
			TokenType:    str(s, "token_type"),
			ExpiresIn:    integer(s, "expires_in"),
			ExpiresAt:    integer(s, "expires_at"),
		}
		if resp.Session.AccessToken == "" {
			resp.Session = nil
		}
	}
	return resp
}

func decodeUser(m map[string]any) *BackendUser {
	if m == nil || str(m, "id") == "" {
		return nil
	}
	return &BackendUser{
		ID:               str(m, "id"),
		Email:            str(m, "email"),
		EmailConfirmedAt: str(m, "email_confirmed_at"),
		CreatedAt:        str(m, "created_at"),
		LastSignInAt:     str(m, "last_sign_in_at"),
		Provider:         str(object(m, "app_metadata"), "provider"),
		UserMetadata:     object(m, "user_metadata"),
	}
}

func object(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// stringList reads a list of strings, skipping other element types.
func stringList(m map[string]any, key string) []string {
	list, _ := m[key].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// integer reads a numeric field; Struct values decode as float64.
func integer(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
