package notify

// Every template shares one stylesheet. Heirloom green for routine mail,
// the .urgent block for anything that asks the reader to act on a missed
// check-in.
const emailStyles = `
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2f6f4f; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #2f6f4f; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #2f6f4f; }
        .urgent { background: #fdecea; border-left: 4px solid #c0392b; padding: 12px; margin: 20px 0; }
        .notice { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
        blockquote { border-left: 3px solid #ccc; margin: 16px 0; padding: 4px 16px; color: #555; }
`

const verificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verify your {{.AppName}} account</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Welcome, {{.UserName}}!</h2>

    <p>Thank you for signing up. Please verify your email address to activate your account.</p>

    <p>
        <a href="{{.VerificationURL}}" class="button">Verify Email Address</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.VerificationURL}}</p>

    <p>This verification link will expire in 24 hours.</p>

    <div class="footer">
        <p>If you didn't create an account with {{.AppName}}, you can safely ignore this email.</p>
    </div>
</body>
</html>`

const passwordResetEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reset your {{.AppName}} password</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Password Reset Request</h2>

    <p>Hi {{.UserName}},</p>

    <p>We received a request to reset your password. Click the button below to create a new password:</p>

    <p>
        <a href="{{.ResetURL}}" class="button">Reset Password</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ResetURL}}</p>

    <div class="notice">
        <strong>Important:</strong> This reset link will expire in 1 hour.
    </div>

    <div class="footer">
        <p>If you didn't request a password reset, you can safely ignore this email. Your password will remain unchanged.</p>
    </div>
</body>
</html>`

const estateInviteEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>You've been added to an estate plan</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.InviterName}} added you to their estate plan</h2>

    <p>{{.InviterName}} has given you the <strong>{{.Role}}</strong> role on the estate <strong>{{.EstateName}}</strong>.</p>

    <p>Sign in to {{.AppName}} to see what has been shared with you:</p>

    <p>
        <a href="{{.InviteURL}}" class="button">Open {{.EstateName}}</a>
    </p>

    <div class="footer">
        <p>If you don't recognize {{.InviterName}}, contact {{.AppName}} support before accepting.</p>
    </div>
</body>
</html>`

const contactVerifyEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Confirm your contact details</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.ContactName}},</h2>

    <p>{{.OwnerName}} listed you as an emergency contact on {{.AppName}}. If {{.OwnerName}} ever stops responding to their regular check-ins, we will email you and ask you to check on them.</p>

    <p>Please confirm this address works so those alerts reach you:</p>

    <p>
        <a href="{{.VerifyURL}}" class="button">Confirm Email Address</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.VerifyURL}}</p>

    <div class="footer">
        <p>If you don't know {{.OwnerName}}, you can ignore this email and you will not be contacted again.</p>
    </div>
</body>
</html>`

const checkinReminderEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Your check-in is overdue</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>You missed your scheduled {{.AppName}} check-in.</p>

    <div class="urgent">
        <strong>If we don't hear from you within {{.GraceDays}} day(s), we will start alerting your emergency contacts.</strong>
    </div>

    <p>One click tells us you're fine:</p>

    <p>
        <a href="{{.CheckinURL}}" class="button">I'm OK</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.CheckinURL}}</p>

    <div class="footer">
        <p>You are receiving this because check-in reminders are part of your {{.AppName}} plan. You can pause the schedule from your dashboard at any time.</p>
    </div>
</body>
</html>`

const escalationAlertEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Please check on {{.OwnerName}}</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.ContactName}},</h2>

    <div class="urgent">
        <strong>{{.OwnerName}} has not responded to their {{.AppName}} check-ins, and you are one of their emergency contacts.</strong>
    </div>

    <p>Please try to reach {{.OwnerName}} by phone or in person as soon as you can.</p>

    <p>If {{.OwnerName}} is fine, ask them to sign in to {{.AppName}} and check in. That stops these alerts immediately. No action in {{.AppName}} is needed from you.</p>

    <p>If you cannot reach {{.OwnerName}} and believe something has happened, their estate plan names the people who should be involved next. {{.AppName}} will notify them if the silence continues.</p>

    <div class="footer">
        <p>{{.OwnerName}} asked us to send you this alert when they stop responding. We never share their documents with emergency contacts.</p>
    </div>
</body>
</html>`

const drillNoticeEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Test alert</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.ContactName}},</h2>

    <div class="notice">
        <strong>This is a test. {{.OwnerName}} is fine and no action is needed.</strong>
    </div>

    <p>{{.OwnerName}} ran a drill of their {{.AppName}} emergency alerts to make sure they reach the right people. You received this because you are one of their emergency contacts.</p>

    <p>If a real alert is ever sent, it will look like this email but will ask you to check on {{.OwnerName}}.</p>

    <div class="footer">
        <p>If you would rather not be an emergency contact for {{.OwnerName}}, please let them know.</p>
    </div>
</body>
</html>`

const unsealNoticeEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>The document vault is now available</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.ExecutorName}},</h2>

    <p>{{.OwnerName}}'s {{.AppName}} plan has been activated. As a named executor you now have access to the estate's document vault.</p>

    <p>
        <a href="{{.VaultURL}}" class="button">Open the Vault</a>
    </p>

    <div class="notice">
        <strong>You will need the recovery code {{.OwnerName}} gave you.</strong> {{.AppName}} does not hold a copy and cannot read the documents without it.
    </div>

    <div class="footer">
        <p>Access to the vault is recorded in the estate's audit history.</p>
    </div>
</body>
</html>`

const ticketReplyEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New reply to your support ticket</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>There is a new reply on your ticket <strong>{{.TicketSubject}}</strong>:</p>

    <blockquote>{{.Reply}}</blockquote>

    <p>
        <a href="{{.TicketURL}}" class="button">View Ticket</a>
    </p>

    <div class="footer">
        <p>Reply from the ticket page. Replies to this email are not monitored.</p>
    </div>
</body>
</html>`
