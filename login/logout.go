package login

import (
	"html/template"
	"net/http"

	"github.com/labstack/echo/v4"
)

// logoutPage sequentially visits every provider's own logout endpoint in a
// hidden iframe before sending the browser back to the caller.
var logoutPage = template.Must(template.New("logout").Parse(`<!DOCTYPE html>
<html>
<head><title>Logging out...</title></head>
<body>
<p>Logging you out...</p>
<iframe id="logout-frame" style="display:none"></iframe>
<script>
var pages = [{{range .LogoutPages}}{{.}},{{end}}];
var target = {{.RedirectURL}};
var i = 0;
var frame = document.getElementById("logout-frame");
function next() {
  if (i >= pages.length) { window.location = target; return; }
  frame.src = pages[i++];
}
frame.onload = next;
frame.onerror = next;
next();
</script>
</body>
</html>
`))

// Logout deletes all of the subject's cached credentials, clears the
// session and returns a page visiting each provider's logout endpoint.
func (s *Server) Logout(c echo.Context) error {
	sess, err := s.sessions.Get(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if sess.Sub != "" {
		if err := s.tokens.DeleteAllForUser(ctx, sess.Sub); err != nil {
			return err
		}
	}
	if err := s.sessions.Clear(c, sess); err != nil {
		return err
	}

	var pages []string
	for _, app := range s.registry.Apps() {
		if u := app.LogoutURL(); u != "" {
			pages = append(pages, u)
		}
	}
	target := c.QueryParam("redirect_url")
	if target == "" {
		target = s.cfg.ExternalURL.String()
	}
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return logoutPage.Execute(c.Response(), map[string]any{
		"LogoutPages": pages,
		"RedirectURL": target,
	})
}
