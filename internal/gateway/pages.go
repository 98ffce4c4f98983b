package gateway

import (
	"fmt"
	"html"
	"net/http"
)

// setSecurityHeaders sets the headers every HTML response carries. The
// callback page is the one place third-party redirects land, so it gets
// the strict treatment.
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
}

const pageStyle = `
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, sans-serif;
            background: #16213e;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #e8e8e8;
        }
        .container {
            text-align: center;
            padding: 3rem;
            background: rgba(255, 255, 255, 0.05);
            border-radius: 16px;
            border: 1px solid rgba(255, 255, 255, 0.1);
            max-width: 500px;
            margin: 1rem;
        }
        .badge {
            width: 80px;
            height: 80px;
            margin: 0 auto 1.5rem;
            border-radius: 50%;
            display: flex;
            align-items: center;
            justify-content: center;
            font-size: 2.5rem;
        }
        .badge.ok { background: #00a896; }
        .badge.err { background: #ee5a5a; }
        h1 { font-size: 1.75rem; font-weight: 600; color: #fff; }
        .server-name { color: #00d4aa; font-weight: 500; }
        .message { color: #ff6b6b; font-weight: 500; margin-top: 1rem; }
        p { color: #a0a0a0; line-height: 1.6; margin-top: 1rem; }
`

// renderSuccessPage tells the user the connection is authorized and the
// browser window is done.
func renderSuccessPage(w http.ResponseWriter, serverName string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	safeServerName := html.EscapeString(serverName)

	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Connection Authorized</title>
    <style>%s</style>
</head>
<body>
    <div class="container">
        <div class="badge ok">✓</div>
        <h1>Connection Authorized</h1>
        <p>Access to <span class="server-name">%s</span> has been granted.</p>
        <p>You can close this window now.</p>
    </div>
</body>
</html>`, pageStyle, safeServerName)
}

// renderErrorPage tells the user the authorization did not go through.
func renderErrorPage(w http.ResponseWriter, status int, message string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	safeMessage := html.EscapeString(message)

	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Failed</title>
    <style>%s</style>
</head>
<body>
    <div class="container">
        <div class="badge err">✕</div>
        <h1>Authorization Failed</h1>
        <p class="message">%s</p>
        <p>Please return to the application and try again.</p>
    </div>
</body>
</html>`, pageStyle, safeMessage)
}
