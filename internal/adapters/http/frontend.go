package http

import (
	"net/http"
)

// frontendHTML is a table browser on top of the tables API.
const frontendHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>orbisdata</title>
    <style>
        :root {
            --primary: #0f766e;
            --bg: #f8fafc;
            --card: #ffffff;
            --text: #1e293b;
            --muted: #64748b;
            --border: #e2e8f0;
            --error: #dc2626;
        }
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: var(--bg);
            color: var(--text);
            line-height: 1.5;
        }
        header { padding: 1rem 1.5rem; border-bottom: 1px solid var(--border); background: var(--card); }
        header h1 { font-size: 1.25rem; color: var(--primary); }
        main { display: grid; grid-template-columns: 16rem 1fr; gap: 1rem; padding: 1rem 1.5rem; }
        @media (max-width: 720px) { main { grid-template-columns: 1fr; } }
        .card { background: var(--card); border: 1px solid var(--border); border-radius: 8px; padding: 1rem; overflow: auto; }
        .card h2 { font-size: 0.8rem; text-transform: uppercase; color: var(--muted); margin-bottom: 0.75rem; }
        #tables li { list-style: none; padding: 0.35rem 0.5rem; border-radius: 4px; cursor: pointer; }
        #tables li:hover, #tables li.active { background: #ccfbf1; }
        #tables .meta { color: var(--muted); font-size: 0.75rem; }
        table { border-collapse: collapse; font-size: 0.85rem; width: 100%; }
        th, td { border-bottom: 1px solid var(--border); padding: 0.3rem 0.5rem; text-align: left; white-space: nowrap; }
        th { background: var(--bg); position: sticky; top: 0; }
        .error { color: var(--error); }
        footer { padding: 1rem 1.5rem; color: var(--muted); font-size: 0.8rem; }
        footer a { color: var(--primary); }
    </style>
</head>
<body>
    <header><h1>orbisdata</h1></header>
    <main>
        <section class="card">
            <h2>Tables</h2>
            <ul id="tables"></ul>
        </section>
        <section class="card">
            <h2 id="title">Rows</h2>
            <div id="rows"><p class="meta">Select a table.</p></div>
        </section>
    </main>
    <footer>
        <a href="/docs">API documentation</a> &middot;
        <a href="/openapi.json">OpenAPI</a> &middot;
        <a href="/health">Health</a>
    </footer>
    <script>
        (function() {
            const list = document.getElementById('tables');
            const rows = document.getElementById('rows');
            const title = document.getElementById('title');

            function escapeHtml(str) {
                return String(str)
                    .replace(/&/g, '&amp;')
                    .replace(/</g, '&lt;')
                    .replace(/>/g, '&gt;')
                    .replace(/"/g, '&quot;');
            }

            function cell(value) {
                if (value === null || value === undefined) return '<em>null</em>';
                if (typeof value === 'object') return escapeHtml(value.type || JSON.stringify(value));
                return escapeHtml(value);
            }

            async function getJSON(url) {
                const res = await fetch(url);
                const data = await res.json();
                if (!res.ok) throw new Error(data.message || res.statusText);
                return data;
            }

            async function showTable(name, item) {
                list.querySelectorAll('li').forEach(li => li.classList.remove('active'));
                item.classList.add('active');
                title.textContent = name;
                try {
                    const data = await getJSON('/api/v1/tables/' + encodeURIComponent(name) + '/rows?limit=100');
                    let html = '<table><thead><tr>';
                    data.columns.forEach(c => { html += '<th>' + escapeHtml(c) + '</th>'; });
                    html += '</tr></thead><tbody>';
                    data.rows.forEach(r => {
                        html += '<tr>';
                        data.columns.forEach(c => { html += '<td>' + cell(r[c]) + '</td>'; });
                        html += '</tr>';
                    });
                    html += '</tbody></table>';
                    if (data.truncated) html += '<p class="meta">Showing the first ' + data.count + ' rows.</p>';
                    rows.innerHTML = html;
                } catch (e) {
                    rows.innerHTML = '<p class="error">' + escapeHtml(e.message) + '</p>';
                }
            }

            getJSON('/api/v1/tables').then(data => {
                data.tables.forEach(t => {
                    const li = document.createElement('li');
                    li.innerHTML = escapeHtml(t.name) + '<div class="meta">' + t.row_count + ' rows' +
                        (t.spatial ? ' &middot; ' + escapeHtml(t.geometry_type) + ' &middot; EPSG:' + t.srid : '') + '</div>';
                    li.addEventListener('click', () => showTable(t.name, li));
                    list.appendChild(li);
                });
            }).catch(e => {
                list.innerHTML = '<li class="error">' + escapeHtml(e.message) + '</li>';
            });
        })();
    </script>
</body>
</html>`

// handleFrontend serves the table browser.
func (s *Server) handleFrontend(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(frontendHTML))
}
