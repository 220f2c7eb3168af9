package agent

import (
	"fmt"
	"strings"

	"github.com/kb-agent/backend/internal/llm"
)

const routerPrompt = `You classify the user's latest message for a knowledge base assistant.
Reply with exactly one label and nothing else:
GREETING - greetings, thanks, small talk or questions about the assistant itself.
KNOWLEDGE - questions that the documentation or knowledge base could answer.
OFF_TOPIC - anything else, such as coding tasks, general trivia or creative writing.`

const refinePrompt = `Rewrite the user's latest question as a standalone search query for a knowledge base.
Resolve pronouns and references using the conversation. Keep the important keywords, drop filler words.
Reply with the query only, on one line, without quotes or explanations.`

const greetingPrompt = `You are a friendly assistant for a knowledge base. Reply briefly and warmly to the user's message
and mention that you can answer questions about the documents in the knowledge base.`

const offTopicPrompt = `You are an assistant that only answers questions about the documents in a knowledge base.
The user's message is outside that scope. Politely decline in one or two sentences and invite them to ask
about the knowledge base instead. Do not attempt to answer the request.`

const knowledgePrompt = `You are an assistant that answers questions using the knowledge base excerpts below.
Base your answer on the excerpts and cite them by their bracketed number, for example [1].
If the excerpts do not contain the answer, say so plainly and answer only from what is certain.

Knowledge base excerpts:
%s`

const noContextNote = `(no relevant documents were found)`

func routerMessages(query string, history []llm.Message, window int) []llm.Message {
	msgs := []llm.Message{llm.System(routerPrompt)}
	msgs = append(msgs, lastN(history, window)...)
	return append(msgs, llm.User(query))
}

func refineMessages(query string, history []llm.Message, window int) []llm.Message {
	var sb strings.Builder
	for _, m := range lastN(history, window) {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&sb, "user: %s", query)

	return []llm.Message{
		llm.System(refinePrompt),
		llm.User("Conversation:\n" + sb.String()),
	}
}

func greetingMessages(query string) []llm.Message {
	return []llm.Message{llm.System(greetingPrompt), llm.User(query)}
}

func offTopicMessages(query string) []llm.Message {
	return []llm.Message{llm.System(offTopicPrompt), llm.User(query)}
}

func knowledgeMessages(query, excerpts string, history []llm.Message, window int) []llm.Message {
	if excerpts == "" {
		excerpts = noContextNote
	}
	msgs := []llm.Message{llm.System(fmt.Sprintf(knowledgePrompt, excerpts))}
	msgs = append(msgs, lastN(history, window)...)
	return append(msgs, llm.User(query))
}

func lastN(history []llm.Message, n int) []llm.Message {
	if n <= 0 {
		return nil
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}
	return history
}
