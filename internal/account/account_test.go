package account

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeDefaults(t *testing.T) {
	acct := &Account{Email: "a@example.com", APIToken: "tok"}
	if err := acct.Normalize(); err != nil {
		t.Fatal(err)
	}
	if acct.UID == "" || len(acct.UID) != 8 {
		t.Errorf("uid = %q, want 8 hex chars", acct.UID)
	}
	if acct.Group != "main" {
		t.Errorf("group = %q", acct.Group)
	}
	if acct.APIMode != ModeDrum {
		t.Errorf("api_mode = %q", acct.APIMode)
	}
	if acct.RegisteredAt.IsZero() {
		t.Error("registered_at not set")
	}
	if acct.State() != StateIdle {
		t.Errorf("state = %q", acct.State())
	}
}

func TestNormalizeRejectsBadAccounts(t *testing.T) {
	cases := []struct {
		name string
		acct *Account
	}{
		{"missing email", &Account{APIToken: "tok"}},
		{"missing token", &Account{Email: "a@example.com"}},
		{"negative cost", &Account{Email: "a@example.com", APIToken: "tok", Cost: -1}},
		{"cooldown param without mode", &Account{
			Email: "a@example.com", APIToken: "tok",
			APICooldownParam: CooldownParam{{Repeat: 1, Seconds: 5}},
		}},
		{"window param not a pair", &Account{
			Email: "a@example.com", APIToken: "tok",
			APICooldownMode:  CooldownWindow,
			APICooldownParam: CooldownParam{{Repeat: 1, Seconds: 5}},
		}},
		{"bad routing rule", &Account{
			Email: "a@example.com", APIToken: "tok",
			RoutingRules: RoutingRules{Allow: []string{"("}},
		}},
		{"bad limit route", &Account{
			Email: "a@example.com", APIToken: "tok",
			Limits: Limits{{Route: "(", Limit: 1}},
		}},
		{"bad proxy", &Account{
			Email: "a@example.com", APIToken: "tok",
			Proxy: &Proxy{Type: "ftp", Host: "h", Port: 1},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.acct.Normalize(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGetRoute(t *testing.T) {
	acct := &Account{Email: "a@example.com", APIToken: "tok"}
	if err := acct.Normalize(); err != nil {
		t.Fatal(err)
	}

	// No rules at all allows everything.
	if got := acct.GetRoute("/api/wb/items"); got != "*" {
		t.Errorf("empty rules: route = %q, want *", got)
	}

	acct.RoutingRules = RoutingRules{
		Allow: []string{`^/api/wb`, `^/api/oz`},
		Deny:  []string{`^/api/wb/internal`},
	}
	if got := acct.GetRoute("/api/wb/items"); got != `^/api/wb` {
		t.Errorf("route = %q", got)
	}
	if got := acct.GetRoute("/api/wb/internal/x"); got != "" {
		t.Errorf("denied path resolved to %q", got)
	}
	if got := acct.GetRoute("/api/seo/items"); got != "" {
		t.Errorf("unlisted path resolved to %q", got)
	}

	// A nil allow list with deny rules allows the rest.
	acct.RoutingRules = RoutingRules{Deny: []string{`^/api/oz`}}
	if got := acct.GetRoute("/api/wb/items"); got != "*" {
		t.Errorf("deny-only rules: route = %q, want *", got)
	}

	// A present but empty allow list denies everything.
	acct.RoutingRules = RoutingRules{Allow: []string{}}
	if got := acct.GetRoute("/api/wb/items"); got != "" {
		t.Errorf("empty allow list resolved to %q", got)
	}

	acct.RoutingRules = RoutingRules{}
	acct.SetBanned(true)
	if got := acct.GetRoute("/api/wb/items"); got != "" {
		t.Errorf("banned account resolved to %q", got)
	}
}

func TestAddRoutingRule(t *testing.T) {
	acct := &Account{Email: "a@example.com", APIToken: "tok"}
	if err := acct.Normalize(); err != nil {
		t.Fatal(err)
	}
	acct.RoutingRules = RoutingRules{Allow: []string{`^/api/wb`, `^/api/oz`}}

	if err := acct.AddRoutingRule("nope", "*", -1, time.Time{}); err == nil {
		t.Error("unknown rule kind accepted")
	}
	if err := acct.AddRoutingRule("allow", "(", -1, time.Time{}); err == nil {
		t.Error("bad route regex accepted")
	}

	// Re-adding an existing route moves it to the requested position.
	if err := acct.AddRoutingRule("allow", `^/api/oz`, 0, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if got := acct.RoutingRules.Allow[0]; got != `^/api/oz` {
		t.Errorf("allow[0] = %q", got)
	}
	if len(acct.RoutingRules.Allow) != 2 {
		t.Errorf("allow = %v", acct.RoutingRules.Allow)
	}
}

func TestTimedRuleExpires(t *testing.T) {
	acct := &Account{Email: "a@example.com", APIToken: "tok"}
	if err := acct.Normalize(); err != nil {
		t.Fatal(err)
	}
	expire := time.Now().Add(30 * time.Millisecond)
	if err := acct.AddRoutingRule("deny", `^/api/wb`, -1, expire); err != nil {
		t.Fatal(err)
	}
	if got := acct.GetRoute("/api/wb/items"); got != "" {
		t.Fatalf("timed deny not applied, route = %q", got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := acct.GetRoute("/api/wb/items"); got == "" {
		t.Error("timed deny survived its expiry")
	}
	if len(acct.RoutingRules.Deny) != 0 {
		t.Errorf("deny list = %v", acct.RoutingRules.Deny)
	}
}

func TestResetRestoresSnapshot(t *testing.T) {
	acct := &Account{
		Email: "a@example.com", APIToken: "tok",
		RoutingRules: RoutingRules{Allow: []string{`^/api/wb`}},
	}
	if err := acct.Normalize(); err != nil {
		t.Fatal(err)
	}
	acct.SnapshotRoutingRules()

	if err := acct.AddRoutingRule("deny", "*", -1, time.Time{}); err != nil {
		t.Fatal(err)
	}
	acct.IncUsage("/api/wb/items")
	acct.RecordOutcome(`^/api/wb`, 200, false, time.Now())

	acct.Reset()
	if got := acct.GetRoute("/api/wb/items"); got != `^/api/wb` {
		t.Errorf("route after reset = %q", got)
	}
	if acct.UsageTotal() != 0 {
		t.Errorf("usage after reset = %d", acct.UsageTotal())
	}
	if !acct.LastReq().IsZero() {
		t.Error("last request timestamp survived reset")
	}
}

func TestLimits(t *testing.T) {
	limits := Limits{
		{Route: `^/api/wb`, Limit: 2},
		{Route: "*", Limit: 5},
	}
	usage := Usage{}
	if limits.Exceeded(usage, "/api/wb/items") {
		t.Error("fresh usage exceeded")
	}
	usage[`^/api/wb`] = 2
	if !limits.Exceeded(usage, "/api/wb/items") {
		t.Error("limit 2 with usage 2 not exceeded")
	}
	// Other paths fall through to the wildcard rule.
	if limits.Exceeded(usage, "/api/oz/items") {
		t.Error("wildcard bucket exceeded too early")
	}
	if got := limits.Bucket("/api/oz/items"); got != "*" {
		t.Errorf("bucket = %q", got)
	}
}

func TestLimitsUnmarshalForms(t *testing.T) {
	var fromList Limits
	if err := json.Unmarshal([]byte(`[{"route":"^/api/wb","limit":500},{"route":"*","limit":100}]`), &fromList); err != nil {
		t.Fatal(err)
	}
	var fromObject Limits
	if err := json.Unmarshal([]byte(`{"^/api/wb": 500, "*": 100}`), &fromObject); err != nil {
		t.Fatal(err)
	}
	for _, limits := range []Limits{fromList, fromObject} {
		if len(limits) != 2 || limits[0].Route != `^/api/wb` || limits[0].Limit != 500 {
			t.Errorf("limits = %v", limits)
		}
		if limits[1].Route != "*" || limits[1].Limit != 100 {
			t.Errorf("limits = %v", limits)
		}
	}

	var empty Limits
	if err := json.Unmarshal([]byte(`null`), &empty); err != nil || empty != nil {
		t.Errorf("null: limits = %v, err = %v", empty, err)
	}
}

func TestCooldownParamForms(t *testing.T) {
	cases := []struct {
		in   string
		want CooldownParam
	}{
		{`5`, CooldownParam{{Repeat: 1, Seconds: 5}}},
		{`[1, 2]`, CooldownParam{{Repeat: 1, Seconds: 1}, {Repeat: 1, Seconds: 2}}},
		{`[[3, 0.5], 2]`, CooldownParam{{Repeat: 3, Seconds: 0.5}, {Repeat: 1, Seconds: 2}}},
	}
	for _, tc := range cases {
		var p CooldownParam
		if err := json.Unmarshal([]byte(tc.in), &p); err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if len(p) != len(tc.want) {
			t.Fatalf("%s: param = %v", tc.in, p)
		}
		for i := range p {
			if p[i] != tc.want[i] {
				t.Errorf("%s: step %d = %v, want %v", tc.in, i, p[i], tc.want[i])
			}
		}
	}

	var bad CooldownParam
	if err := json.Unmarshal([]byte(`"fast"`), &bad); err == nil {
		t.Error("string param accepted")
	}

	if got := (CooldownParam{{Repeat: 3, Seconds: 0.5}, {Repeat: 1, Seconds: 2}}).TotalSeconds(); got != 3.5 {
		t.Errorf("total = %v", got)
	}

	size, period, err := CooldownParam{{Repeat: 1, Seconds: 10}, {Repeat: 1, Seconds: 60}}.Window()
	if err != nil || size != 10 || period != 60 {
		t.Errorf("window = (%v, %v, %v)", size, period, err)
	}
	if _, _, err := (CooldownParam{{Repeat: 1, Seconds: 10}}).Window(); err == nil {
		t.Error("single-step window accepted")
	}
}

func TestLifetimeAndWorth(t *testing.T) {
	acct := &Account{Email: "a@example.com", APIToken: "tok"}
	if got := acct.Lifetime(); got != -1 {
		t.Errorf("lifetime without expiry = %d", got)
	}
	if got := acct.Worth(); got != 0 {
		t.Errorf("worth without validity = %v", got)
	}

	created := time.Now().Add(-time.Hour)
	expire := time.Now().Add(time.Hour)
	acct.CreatedAt = &created
	acct.ExpireAt = &expire
	acct.Cost = 100
	if got := acct.Lifetime(); got < 3590 || got > 3600 {
		t.Errorf("lifetime = %d", got)
	}
	if got := acct.Worth(); got < 49 || got > 51 {
		t.Errorf("worth = %v, want ~50", got)
	}

	past := time.Now().Add(-time.Minute)
	acct.ExpireAt = &past
	if got := acct.Lifetime(); got != 0 {
		t.Errorf("lifetime past expiry = %d", got)
	}
}

func TestProxy(t *testing.T) {
	p := &Proxy{Host: "10.0.0.1", Port: 1080}
	if err := p.validate(); err != nil {
		t.Fatal(err)
	}
	if p.Type != ProxyHTTP {
		t.Errorf("default type = %q", p.Type)
	}
	if got := p.Addr(); got != "10.0.0.1:1080" {
		t.Errorf("addr = %q", got)
	}

	p = &Proxy{Type: ProxySOCKS5, Host: "10.0.0.1", Port: 1080, User: "u", Password: "p"}
	if got := p.URL(); got != "socks5://u:p@10.0.0.1:1080" {
		t.Errorf("url = %q", got)
	}

	if got := p.Status(); got != ProxyUnknown {
		t.Errorf("status = %q", got)
	}
	p.SetStatus(ProxyDead)
	if got := p.Status(); got != ProxyDead {
		t.Errorf("status = %q", got)
	}

	if err := (&Proxy{Type: ProxyHTTP}).validate(); err == nil {
		t.Error("proxy without host accepted")
	}
}

func TestUserRegistry(t *testing.T) {
	reg := NewRegistry(Limits{{Route: "*", Limit: 2}})

	if reg.Lookup("joe") != nil {
		t.Error("lookup created a user")
	}
	user := reg.Get("joe")
	if user == nil || user.Login != "joe" {
		t.Fatalf("user = %v", user)
	}
	if reg.Get("joe") != user {
		t.Error("second Get returned a different user")
	}

	user.IncUsage("/api/wb/items")
	user.IncUsage("/api/wb/items")
	if !user.LimitsExceeded("/api/wb/items") {
		t.Error("limit 2 with usage 2 not exceeded")
	}
	if user.UsageTotal() != 2 {
		t.Errorf("usage = %d", user.UsageTotal())
	}

	reg.Get("amy")
	users := reg.List()
	if len(users) != 2 || users[0].Login != "amy" {
		t.Errorf("list = %v", users)
	}

	reg.Clear()
	if len(reg.List()) != 0 {
		t.Error("clear kept users")
	}
}
