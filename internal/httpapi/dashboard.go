package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>CVS CMS Notifications</title>
  <style>
    :root {
      --ink: #1c2330;
      --paper: #f6f5f1;
      --card: #ffffff;
      --line: #d8d4c8;
      --accent: #2563ab;
      --accent-2: #d97a34;
      --muted: #6e7687;
      --shadow: 0 12px 28px rgba(28, 35, 48, 0.12);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(150deg, #fbfaf6 0%, #eef2f6 55%, #ffffff 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }

    .bar {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .controls { display: grid; gap: 10px; grid-template-columns: 1.4fr 0.8fr 0.5fr; margin-top: 12px; }
    .controls input {
      width: 100%;
      border-radius: 8px;
      border: 1px solid var(--line);
      background: #ffffff;
      padding: 8px 10px;
      font: inherit;
    }
    .controls button {
      border-radius: 8px;
      border: 1px solid var(--accent);
      background: var(--accent);
      color: #fff;
      font: inherit;
      cursor: pointer;
    }

    .badge {
      display: inline-block;
      min-width: 26px;
      text-align: center;
      padding: 2px 8px;
      border-radius: 999px;
      background: var(--accent-2);
      color: #fff;
      font-weight: 600;
    }

    .group { margin-top: 12px; }
    .group h2 { margin: 0 0 6px; font-size: 1rem; color: var(--muted); }
    .item {
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 8px 12px;
      margin-bottom: 6px;
      background: var(--card);
      display: flex;
      justify-content: space-between;
      gap: 10px;
    }
    .item .when { color: var(--muted); font-size: 0.85rem; white-space: nowrap; }
    .empty { color: var(--muted); font-style: italic; }
    .error { color: #b4372e; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>Notifications <span id="unread" class="badge">0</span></h1>
      <div class="sub">Unread uploads, scheduled events and chat mentions, grouped per kind and sorted newest first.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="bearer token" />
        <input id="project" type="text" placeholder="project id (blank = all)" />
        <button id="load">Load</button>
      </div>
      <div id="status" class="sub"></div>
    </div>
    <div class="bar">
      <div class="group"><h2>Uploads</h2><div id="uploads"></div></div>
      <div class="group"><h2>Events</h2><div id="events"></div></div>
      <div class="group"><h2>Mentions</h2><div id="mentions"></div></div>
    </div>
  </div>
  <script>
    const el = (id) => document.getElementById(id);

    function renderGroup(target, rows, main, when) {
      target.innerHTML = "";
      if (!rows || rows.length === 0) {
        target.innerHTML = '<div class="empty">nothing here</div>';
        return;
      }
      for (const row of rows) {
        const item = document.createElement("div");
        item.className = "item";
        const label = document.createElement("div");
        label.textContent = main(row);
        const ts = document.createElement("div");
        ts.className = "when";
        ts.textContent = when(row) || "";
        item.append(label, ts);
        target.append(item);
      }
    }

    async function load() {
      const token = el("token").value.trim();
      const project = el("project").value.trim();
      const path = project
        ? "/v1/projects/" + encodeURIComponent(project) + "/notifications"
        : "/v1/notifications";
      el("status").textContent = "loading…";
      try {
        const resp = await fetch(path, {
          headers: {
            "Authorization": "Bearer " + token,
            "X-Correlation-Id": "dashboard-" + Date.now(),
          },
        });
        const body = await resp.json();
        if (!resp.ok) {
          el("status").innerHTML = '<span class="error">' + (body.message || resp.status) + "</span>";
          return;
        }
        el("unread").textContent = body.unreadCount;
        renderGroup(el("uploads"), body.uploads,
          (u) => u.fileName + " · " + u.uploadedBy, (u) => u.uploadedAt);
        renderGroup(el("events"), body.events,
          (e) => e.topic + (e.read ? " (read)" : ""), (e) => e.eventAt || e.createdAt);
        renderGroup(el("mentions"), body.mentions,
          (m) => "@" + m.mentionedUser + " by " + m.mentionedBy + ": " + m.message, (m) => m.createdAt);
        el("status").textContent = "updated " + new Date().toLocaleTimeString();
      } catch (err) {
        el("status").innerHTML = '<span class="error">' + err + "</span>";
      }
    }

    el("load").addEventListener("click", load);
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
