/*
Package llm implements the relay between chat clients and an OpenAI-compatible
chat completions API.

# Architecture Overview

1. HTTP Handlers (handlers.go)
  - POST /api/generate validates the request, picks a credential and streams
    the completion back as plain text

2. Service Layer (service.go)
  - Sends the upstream request (optionally through HTTPS_PROXY)
  - Turns non-2xx upstream responses into classified errors

3. Request Builder (request.go)
  - Message window and system message handling
  - Upstream payload: model, messages, temperature, stream=true

4. Stream Decoder (stream.go)
  - Server-Sent Events parsing
  - Reduces completion chunks to text deltas, stops at [DONE]

5. Rate Limiting (ratelimit.go)
  - Global sliding-window burst counter over the last 5 requests

6. Configuration (config.go)
  - Environment-driven settings, see LoadConfig

# Request Flow

 1. The burst counter is updated for every incoming request
 2. Checks run in order: input present, site password, signature (production
    only), burst limit (keyless callers only)
 3. The caller's key is used unless it is empty or the super key
 4. The upstream event stream is decoded and each delta is written and
    flushed to the client as it arrives

# Error Responses

Validation and rate-limit failures are answered with their message as a
plain-text body. Upstream failures carry the upstream error message. Status
codes are 400/401/429/5xx unless LEGACY_ERROR_STATUS is set, in which case
every response is 200 and callers must inspect the body.
*/
package llm
