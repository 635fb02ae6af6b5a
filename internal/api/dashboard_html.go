package api

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>pg-wire-mock</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--border:#30363d;
  --text:#e1e4e8;--text-muted:#8b949e;
  --primary:#58a6ff;
  --green:#3fb950;--red:#f85149;--yellow:#d29922;
  --radius:8px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
.container{max-width:1200px;margin:0 auto;padding:0 24px 48px}
header{background:var(--bg-card);border-bottom:1px solid var(--border);padding:12px 24px;position:sticky;top:0;z-index:100}
.header-inner{max-width:1200px;margin:0 auto;display:flex;align-items:center;gap:16px;flex-wrap:wrap}
.header-title{font-size:20px;font-weight:700}
.header-badges{display:flex;gap:8px;align-items:center;margin-left:auto}
.badge{display:inline-flex;align-items:center;padding:2px 10px;border-radius:12px;font-size:12px;font-weight:600;border:1px solid var(--border)}
.badge-healthy{color:var(--green);border-color:var(--green)}
.badge-unhealthy{color:var(--red);border-color:var(--red)}
.badge-addr{color:var(--text-muted);font-weight:400}
.cards{display:grid;grid-template-columns:repeat(auto-fit,minmax(160px,1fr));gap:16px;margin:24px 0}
.card{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);padding:16px}
.card .label{font-size:12px;color:var(--text-muted);text-transform:uppercase;letter-spacing:.5px}
.card .value{font-size:26px;font-weight:700;margin-top:4px}
h2{font-size:16px;margin:28px 0 12px}
table{width:100%;border-collapse:collapse;background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow:hidden}
th,td{padding:8px 12px;text-align:left;font-size:13px;border-bottom:1px solid var(--border)}
th{color:var(--text-muted);font-weight:600;text-transform:uppercase;font-size:11px;letter-spacing:.5px}
tr:last-child td{border-bottom:none}
.empty{color:var(--text-muted);padding:16px;text-align:center;font-size:13px}
.tx{display:inline-block;width:18px;text-align:center;border-radius:4px;font-weight:700}
.tx-I{color:var(--green)}
.tx-T{color:var(--yellow)}
.tx-E{color:var(--red)}
.muted{color:var(--text-muted)}
</style>
</head>
<body>
<header>
  <div class="header-inner">
    <div class="header-title">pg-wire-mock</div>
    <div class="header-badges">
      <span id="addr" class="badge badge-addr"></span>
      <span id="health" class="badge">&hellip;</span>
    </div>
  </div>
</header>
<div class="container">
  <div class="cards">
    <div class="card"><div class="label">Uptime</div><div class="value" id="uptime">&ndash;</div></div>
    <div class="card"><div class="label">Connections</div><div class="value" id="connections">&ndash;</div></div>
    <div class="card"><div class="label">Channels</div><div class="value" id="channels">&ndash;</div></div>
    <div class="card"><div class="label">Listeners</div><div class="value" id="listeners">&ndash;</div></div>
    <div class="card"><div class="label">Goroutines</div><div class="value" id="goroutines">&ndash;</div></div>
    <div class="card"><div class="label">Memory</div><div class="value" id="memory">&ndash;</div></div>
  </div>

  <h2>Sessions</h2>
  <table>
    <thead><tr>
      <th>PID</th><th>User</th><th>Database</th><th>Application</th>
      <th>Tx</th><th>Prepared</th><th>Portals</th><th>Channels</th><th>Connected</th>
    </tr></thead>
    <tbody id="sessions"><tr><td class="empty" colspan="9">no sessions</td></tr></tbody>
  </table>

  <h2>Notification Channels</h2>
  <table>
    <thead><tr>
      <th>Channel</th><th>Listeners</th><th>Notifications</th><th>Created</th>
    </tr></thead>
    <tbody id="channel-rows"><tr><td class="empty" colspan="4">no channels</td></tr></tbody>
  </table>

  <h2>Session Pool</h2>
  <table>
    <thead><tr>
      <th>Idle</th><th>In Use</th><th>Waiting</th><th>Peak</th>
      <th>Created</th><th>Destroyed</th><th>Timeouts</th>
    </tr></thead>
    <tbody id="pool"><tr><td class="empty" colspan="7">pooling disabled</td></tr></tbody>
  </table>
</div>
<script>
function esc(s){
  return String(s==null?'':s).replace(/[&<>"]/g,function(c){
    return {'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;'}[c];
  });
}
function fmtTime(iso){
  if(!iso||iso.startsWith('0001'))return '';
  return new Date(iso).toLocaleTimeString();
}
function fmtUptime(s){
  if(s>=3600)return Math.floor(s/3600)+'h'+Math.floor(s%3600/60)+'m';
  if(s>=60)return Math.floor(s/60)+'m'+(s%60)+'s';
  return s+'s';
}
async function get(path){
  const res=await fetch(path);
  if(!res.ok&&res.status!==503)throw new Error(path+': '+res.status);
  return res.json();
}
async function refresh(){
  try{
    const status=await get('/status');
    document.getElementById('uptime').textContent=fmtUptime(status.uptime_seconds);
    document.getElementById('connections').textContent=status.connections;
    document.getElementById('channels').textContent=status.channels;
    document.getElementById('listeners').textContent=status.listeners;
    document.getElementById('goroutines').textContent=status.goroutines;
    document.getElementById('memory').textContent=status.memory_mb.toFixed(1)+' MB';
    document.getElementById('addr').textContent=status.listen;

    const health=await get('/health');
    const badge=document.getElementById('health');
    badge.textContent=health.status;
    badge.className='badge '+(health.status==='unhealthy'?'badge-unhealthy':'badge-healthy');

    const sessions=(await get('/sessions')).sessions||[];
    const sbody=document.getElementById('sessions');
    if(sessions.length===0){
      sbody.innerHTML='<tr><td class="empty" colspan="9">no sessions</td></tr>';
    }else{
      sbody.innerHTML=sessions.map(function(s){
        const tx=esc(s.transaction_status);
        return '<tr><td>'+s.backend_pid+'</td><td>'+esc(s.user)+'</td><td>'+esc(s.database)+
          '</td><td class="muted">'+esc(s.application_name)+
          '</td><td><span class="tx tx-'+tx+'">'+tx+'</span></td><td>'+s.prepared_statements+
          '</td><td>'+s.portals+'</td><td>'+s.listening_channels+
          '</td><td class="muted">'+fmtTime(s.connected_at)+'</td></tr>';
      }).join('');
    }

    const channels=(await get('/channels')).channels||[];
    const cbody=document.getElementById('channel-rows');
    if(channels.length===0){
      cbody.innerHTML='<tr><td class="empty" colspan="4">no channels</td></tr>';
    }else{
      cbody.innerHTML=channels.map(function(c){
        return '<tr><td>'+esc(c.name)+'</td><td>'+c.listeners+'</td><td>'+c.notifications+
          '</td><td class="muted">'+fmtTime(c.created_at)+'</td></tr>';
      }).join('');
    }

    if(status.pool_enabled){
      const pool=await get('/pool');
      document.getElementById('pool').innerHTML='<tr><td>'+pool.idle_connections+
        '</td><td>'+pool.in_use_connections+'</td><td>'+pool.waiting_acquisitions+
        '</td><td>'+pool.peak_connections+'</td><td>'+pool.connections_created_total+
        '</td><td>'+pool.connections_destroyed_total+'</td><td>'+pool.acquisition_timeouts_total+
        '</td></tr>';
    }
  }catch(err){
    const badge=document.getElementById('health');
    badge.textContent='unreachable';
    badge.className='badge badge-unhealthy';
  }
}
refresh();
setInterval(refresh,2000);
</script>
</body>
</html>
`
