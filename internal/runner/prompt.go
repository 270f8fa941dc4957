package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/directory"
)

// buildPrompt renders the instruction text handed to the agent binary. The
// reply instruction varies by channel: email and Google Docs expect an HTML
// draft, chat channels expect a plain-text message.
func buildPrompt(params Params, runnerName, memoryContext string) string {
	var b strings.Builder

	b.WriteString("You are a DoWhiz digital employee. Follow the employee guidance provided below. ")
	b.WriteString("Your task is to read the incoming message, understand the user's intent, finish the task, ")
	b.WriteString("and draft an appropriate reply. Memory and reference materials for context are already ")
	b.WriteString("saved under the current workspace. Always be patient, friendly and helpful in your replies.\n\n")

	b.WriteString("Employee guidance (from workspace files):\n")
	b.WriteString(guidanceSection(params.WorkspaceDir, runnerName))
	b.WriteString("\n")

	b.WriteString("Your main goal is\n")
	b.WriteString("1. Most importantly, understand the task described in the incoming message and get the task done.\n")
	b.WriteString(replyInstruction(params.Channel, len(params.ReplyTo) > 0))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Inputs (relative to workspace root):\n")
	fmt.Fprintf(&b, "- Incoming message dir: %s (email.html, payload.json, thread_history.md, entries/)\n", params.InputEmailDir)
	fmt.Fprintf(&b, "- All previous messages in the current thread: %s/entries/\n", params.InputEmailDir)
	fmt.Fprintf(&b, "- Incoming attachments dir: %s\n", params.InputAttachmentsDir)
	fmt.Fprintf(&b, "- Memory dir (memory about the current user): %s\n", params.MemoryDir)
	fmt.Fprintf(&b, "- Reference dir (past conversations with the current user): %s\n\n", params.ReferenceDir)

	b.WriteString("Memory about the current user:\n```")
	if strings.TrimSpace(memoryContext) == "" {
		b.WriteString("(no memory files found)")
	} else {
		b.WriteString(strings.TrimRight(memoryContext, "\n"))
	}
	b.WriteString("```\n\n")

	b.WriteString(memoryPolicy)
	b.WriteString("\n")
	b.WriteString("Scheduling:\n- For any scheduling (reply or task), you MUST use the skill \"scheduler_maintain\".\n\n")
	b.WriteString(workspaceRules)
	return b.String()
}

const memoryPolicy = `Memory management policy:
- Read all Markdown files under memory/ before starting; they are long-term, per-user memory.
- Persist durable facts only (identity, preferences, recurring tasks, projects, contacts, decisions, working processes). Do not store transient message-specific details.
- Default file is memory/memo.md (Markdown).
- If memo.md exceeds 500 lines, split by info type into multiple files and keep every file <= 500 lines, leaving memo.md as a short index.
- Update memory files at the end if new durable info is learned; otherwise leave unchanged.
`

const workspaceRules = `Rules:
- Do not modify input directories. Edit copies of attachments and save results into the reply attachments directory, marking version updates as "_v2", "_v3", etc. in the filename.
- You may create or modify other files and folders in the workspace as needed. Prefer a work/ directory for clones, patches, and build artifacts.
- If attachments include version suffixes like _v1, _v2, the highest version is the latest.
- Avoid interactive commands; use non-interactive flags for git/gh.
`

func replyInstruction(ch channel.Channel, replyRequired bool) string {
	if !replyRequired {
		return "2. After finishing the task (step one), do not write any reply. This inbound message is from a non-replyable address, so skip creating any reply files."
	}
	switch ch {
	case channel.Slack:
		return "2. After finishing the task (step one), write a plain text reply in reply_message.txt in the workspace root. Use Slack mrkdwn formatting: *bold*, _italic_, `code`. Keep the reply concise and conversational. Do not use HTML. If there are files to attach, put them in reply_attachments/ and mention them in the reply. Do not pretend the job has been done without actually doing it."
	case channel.Discord:
		return "2. After finishing the task (step one), write a plain text reply in reply_message.txt in the workspace root. Use Discord markdown formatting: **bold**, *italic*, `code`. Keep the reply concise and conversational. Do not use HTML. If there are files to attach, put them in reply_attachments/ and mention them in the reply. Do not pretend the job has been done without actually doing it."
	case channel.Telegram:
		return "2. After finishing the task (step one), write a plain text reply in reply_message.txt in the workspace root. Use Telegram MarkdownV2 formatting. Keep the reply concise. Do not use HTML. If there are files to attach, put them in reply_attachments/. Do not pretend the job has been done without actually doing it."
	case channel.SMS, channel.BlueBubbles:
		return "2. After finishing the task (step one), write a plain text reply in reply_message.txt in the workspace root. Keep the reply concise and conversational. Do not use HTML or markdown. If there are files to attach, put them in reply_attachments/ and mention them in the reply. Do not pretend the job has been done without actually doing it."
	default:
		return "2. After finishing the task (step one), write a proper HTML reply draft in reply_email_draft.html in the workspace root. If there are files to attach, put them in reply_email_attachments/ and reference them in the draft. Do not pretend the job has been done without actually doing it, and do not write the draft until the task is done. If you are not sure about the task, reply to ask for clarification and attach information about what failed."
	}
}

func guidanceSection(workspaceDir, runnerName string) string {
	var blocks []string
	for _, name := range []string{"SOUL.md", "AGENTS.md"} {
		if content := loadOptionalText(filepath.Join(workspaceDir, name)); content != "" {
			blocks = append(blocks, fmt.Sprintf("%s:\n```\n%s\n```\n", name, content))
		}
	}
	if runnerName == directory.RunnerClaude {
		if content := loadOptionalText(filepath.Join(workspaceDir, "CLAUDE.md")); content != "" {
			blocks = append(blocks, fmt.Sprintf("CLAUDE.md:\n```\n%s\n```\n", content))
		}
	}
	if len(blocks) == 0 {
		return "- (no employee guidance files found)\n"
	}
	return strings.Join(blocks, "\n")
}

func loadOptionalText(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// loadMemoryContext concatenates the user's markdown memory files in name
// order, each prefixed with its workspace-relative path.
func loadMemoryContext(workspaceDir, memoryDir string) (string, error) {
	resolved, err := resolveRelDir(workspaceDir, memoryDir, "memory_dir")
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".md" || ext == ".markdown" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var sections []string
	for _, name := range names {
		full := filepath.Join(resolved, name)
		raw, err := os.ReadFile(full)
		if err != nil {
			return "", err
		}
		rel, relErr := filepath.Rel(workspaceDir, full)
		if relErr != nil {
			rel = full
		}
		sections = append(sections, fmt.Sprintf("--- %s ---\n%s", rel, strings.TrimRight(string(raw), "\n")))
	}
	return strings.Join(sections, "\n\n"), nil
}
