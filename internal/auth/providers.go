package auth

import "golang.org/x/oauth2"

// providerEndpoints maps source short names to their OAuth token endpoints.
// Only OAuth sources appear; API-key and keyless sources never reach the
// token manager.
var providerEndpoints = map[string]oauth2.Endpoint{
	"jira": {
		TokenURL:  "https://auth.atlassian.com/oauth/token",
		AuthStyle: oauth2.AuthStyleInParams,
	},
	"hubspot": {
		TokenURL:  "https://api.hubapi.com/oauth/v1/token",
		AuthStyle: oauth2.AuthStyleInParams,
	},
	"outlook_mail": {
		TokenURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		AuthStyle: oauth2.AuthStyleInParams,
	},
	"github": {
		TokenURL:  "https://github.com/login/oauth/access_token",
		AuthStyle: oauth2.AuthStyleInParams,
	},
}

// EndpointFor returns the OAuth token endpoint for a source short name.
func EndpointFor(shortName string) (oauth2.Endpoint, bool) {
	ep, ok := providerEndpoints[shortName]
	return ep, ok
}
